package morag_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mistifyio/morag"
	"github.com/mistifyio/morag/internal/tests/common"
	"github.com/stretchr/testify/suite"
)

type RunnerTestSuite struct {
	common.Suite
}

func TestRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}

func (s *RunnerTestSuite) TestRunBackgroundSuccess() {
	ran := make(chan string, 1)
	t, err := s.Runner.RunBackground("some work", func(taskID string) error {
		ran <- taskID
		return nil
	})
	s.Require().NoError(err)
	s.Equal(morag.TaskStateNew, t.State)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateCompleted, final.State)
	s.Equal(100, final.Percent)
	s.NotNil(final.FinishedAt)
	s.Equal(t.ID, <-ran)
}

func (s *RunnerTestSuite) TestRunBackgroundError() {
	events := s.Bus.Subscribe()
	defer events.Unsubscribe()

	t, err := s.Runner.RunBackground("some work", func(taskID string) error {
		return errors.New("disk on fire")
	})
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateException, final.State)
	s.Contains(final.Messages, "disk on fire")
	s.NotNil(final.FinishedAt)

	select {
	case e := <-events.C:
		s.Equal(morag.EventTaskFailed, e.Type)
		s.Equal(t.ID, e.Payload["taskId"])
	case <-time.After(5 * time.Second):
		s.Fail("no task.failed event")
	}
}

func (s *RunnerTestSuite) TestRunBackgroundPanic() {
	t, err := s.Runner.RunBackground("some work", func(taskID string) error {
		panic("oh no")
	})
	s.Require().NoError(err)

	final := s.WaitForTask(t.ID)
	s.Equal(morag.TaskStateException, final.State)
	s.Contains(final.Messages, "panic: oh no")
}

func (s *RunnerTestSuite) TestRunSynchronous() {
	t, err := s.Runner.Run("some work", func(taskID string) error {
		_, uerr := s.Context.UpdateTask(taskID, morag.TaskUpdate{Percent: 50, Message: "midway"})
		return uerr
	})
	s.Require().NoError(err)
	s.True(t.Finished())
	s.Equal(morag.TaskStateCompleted, t.State)
	s.Contains(t.Messages, "midway")
}

func (s *RunnerTestSuite) TestStop() {
	release := make(chan struct{})
	var done sync.WaitGroup
	done.Add(1)
	t, err := s.Runner.RunBackground("some work", func(taskID string) error {
		defer done.Done()
		<-release
		return nil
	})
	s.Require().NoError(err)

	close(release)
	s.Runner.Stop()
	done.Wait()

	final, err := s.Context.Task(t.ID)
	s.Require().NoError(err)
	s.True(final.Finished())

	_, err = s.Runner.RunBackground("late work", func(string) error { return nil })
	s.Equal(morag.ErrRunnerStopped, err)
}

func (s *RunnerTestSuite) TestBoundedConcurrency() {
	runner := morag.NewRunner(s.Context, nil, 2)

	var mutex sync.Mutex
	running, peak := 0, 0
	gate := make(chan struct{})

	for i := 0; i < 6; i++ {
		_, err := runner.RunBackground("some work", func(taskID string) error {
			mutex.Lock()
			running++
			if running > peak {
				peak = running
			}
			mutex.Unlock()

			<-gate

			mutex.Lock()
			running--
			mutex.Unlock()
			return nil
		})
		s.Require().NoError(err)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	runner.Stop()

	s.True(peak <= 2, "more than maxWorkers jobs ran at once")
}
