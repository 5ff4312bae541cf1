package morag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/Sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrRunnerStopped is returned by RunBackground after Stop has been called
var ErrRunnerStopped = errors.New("runner is stopped")

// Runner supervises background work. Every job gets exactly one Task; the
// job's returned error (or panic) becomes the task's terminal exception state
// and never propagates to the code that scheduled it. Concurrency is bounded
// by a semaphore and Stop provides the join point for shutdown.
type Runner struct {
	context *Context
	bus     *Bus
	sem     *semaphore.Weighted

	mutex   sync.Mutex
	wg      sync.WaitGroup
	stopped bool
}

// NewRunner creates a Runner allowing up to maxWorkers jobs to execute at
// once. The bus may be nil; when present a task.failed event is published for
// every job that ends in exception.
func NewRunner(c *Context, bus *Bus, maxWorkers int64) *Runner {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Runner{
		context: c,
		bus:     bus,
		sem:     semaphore.NewWeighted(maxWorkers),
	}
}

// RunBackground creates a Task for job and schedules it without blocking the
// caller. The returned Task is a snapshot taken at creation; observers poll
// or subscribe for its progress.
func (r *Runner) RunBackground(name string, job func(taskID string) error) (*Task, error) {
	r.mutex.Lock()
	if r.stopped {
		r.mutex.Unlock()
		return nil, ErrRunnerStopped
	}

	t := r.context.NewTask(name)
	if err := t.Save(); err != nil {
		r.mutex.Unlock()
		return nil, err
	}

	r.wg.Add(1)
	r.mutex.Unlock()

	go func() {
		defer r.wg.Done()
		_ = r.sem.Acquire(context.Background(), 1)
		defer r.sem.Release(1)
		r.supervise(t.ID, job)
	}()

	return t, nil
}

// Run executes job in the calling goroutine under the same supervision as
// RunBackground and returns the terminal Task. It does not take a worker
// slot; it is used where the caller already holds one and is aggregating
// children, such as batch create.
func (r *Runner) Run(name string, job func(taskID string) error) (*Task, error) {
	t := r.context.NewTask(name)
	if err := t.Save(); err != nil {
		return nil, err
	}
	r.supervise(t.ID, job)
	return r.context.Task(t.ID)
}

// Stop waits for all scheduled jobs to reach their terminal task state and
// refuses new work afterwards. There is no cancellation; in-flight jobs run
// to completion or failure.
func (r *Runner) Stop() {
	r.mutex.Lock()
	r.stopped = true
	r.mutex.Unlock()

	r.wg.Wait()
}

func (r *Runner) supervise(taskID string, job func(taskID string) error) {
	if _, err := r.context.UpdateTask(taskID, TaskUpdate{State: TaskStateRunning, Percent: 1}); err != nil {
		log.WithFields(log.Fields{
			"task":  taskID,
			"error": err,
		}).Error("unable to mark task running")
	}

	err := runJob(taskID, job)

	update := TaskUpdate{State: TaskStateCompleted, Percent: 100, Finish: true}
	if err != nil {
		update = TaskUpdate{
			State:   TaskStateException,
			Percent: -1,
			Message: err.Error(),
			Finish:  true,
		}
	}

	if _, uerr := r.context.UpdateTask(taskID, update); uerr != nil {
		log.WithFields(log.Fields{
			"task":  taskID,
			"error": uerr,
		}).Error("unable to finish task")
	}

	if err != nil {
		log.WithFields(log.Fields{
			"task":  taskID,
			"error": err,
		}).Error("background job failed")

		if r.bus != nil {
			r.bus.Publish(EventTaskFailed, map[string]interface{}{
				"taskId": taskID,
				"error":  err.Error(),
			})
		}
	}
}

// runJob confines both returned errors and panics to an error value so that
// nothing crosses the background-execution boundary.
func runJob(taskID string, job func(string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(taskID)
}
