package morag

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/mistifyio/morag/pkg/kv"
	"github.com/pborman/uuid"
)

var (
	// TaskPath is the path in the config store
	TaskPath = "morag/tasks/"

	// ErrTaskFinished is returned when mutating a task already in a terminal
	// state
	ErrTaskFinished = errors.New("task is in a terminal state")

	// ErrPercentDecrease is returned when an update would lower the percent
	// of a running task
	ErrPercentDecrease = errors.New("task percent may not decrease")
)

// Task states
const (
	TaskStateNew       = "new"
	TaskStateRunning   = "running"
	TaskStateCompleted = "completed"
	TaskStateException = "exception"
)

type (
	// Task records the lifecycle of a single asynchronous operation, such as
	// a node create or a migration
	Task struct {
		context       *Context
		modifiedIndex uint64
		ID            string     `json:"id"`
		Name          string     `json:"name"`
		State         string     `json:"state"`
		Percent       int        `json:"percent"`
		StartedAt     time.Time  `json:"started_at"`
		FinishedAt    *time.Time `json:"finished_at,omitempty"`
		Messages      []string   `json:"messages"`
	}

	// Tasks is an alias to a slice of *Task
	Tasks []*Task

	// TaskUpdate describes a partial mutation of a Task. A zero State leaves
	// the state unchanged, a negative Percent leaves the percent unchanged,
	// a non-empty Message is appended, and Finish stamps FinishedAt.
	TaskUpdate struct {
		State   string
		Percent int
		Message string
		Finish  bool
	}
)

// NewTask creates a new Task in state new at percent 0
func (c *Context) NewTask(name string) *Task {
	return &Task{
		context:   c,
		ID:        uuid.New(),
		Name:      name,
		State:     TaskStateNew,
		StartedAt: time.Now(),
		Messages:  make([]string, 0),
	}
}

// Task fetches a single Task from the config store
func (c *Context) Task(id string) (*Task, error) {
	t := &Task{
		context: c,
		ID:      id,
	}

	if err := t.Refresh(); err != nil {
		return nil, err
	}

	return t, nil
}

// Tasks fetches every Task from the config store
func (c *Context) Tasks() (Tasks, error) {
	tasks := make(Tasks, 0)
	err := c.ForEachTask(func(t *Task) error {
		tasks = append(tasks, t)
		return nil
	})
	return tasks, err
}

// ForEachTask will run f on each Task. It will stop iteration if f returns an
// error.
func (c *Context) ForEachTask(f func(*Task) error) error {
	values, err := c.kv.GetAll(TaskPath)
	if err != nil {
		return err
	}
	for _, value := range values {
		t := &Task{context: c}
		if err := json.Unmarshal(value.Data, t); err != nil {
			return err
		}
		t.modifiedIndex = value.Index

		if err := f(t); err != nil {
			return err
		}
	}
	return nil
}

// key is a helper to generate the config store key
func (t *Task) key() string {
	return filepath.Join(TaskPath, t.ID)
}

// Refresh reloads the Task from the data store
func (t *Task) Refresh() error {
	value, err := t.context.kv.Get(t.key())
	if err != nil {
		return err
	}

	if err := json.Unmarshal(value.Data, t); err != nil {
		return err
	}
	t.modifiedIndex = value.Index
	return nil
}

// Validate ensures the Task has reasonable data
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("ID is required")
	}
	if t.Name == "" {
		return errors.New("Name is required")
	}
	switch t.State {
	case TaskStateNew, TaskStateRunning, TaskStateCompleted, TaskStateException:
	default:
		return errors.New("invalid State")
	}
	if t.Percent < 0 || t.Percent > 100 {
		return errors.New("Percent must be between 0 and 100")
	}
	return nil
}

// Save persists the Task to the data store
func (t *Task) Save() error {
	if err := t.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(t)
	if err != nil {
		return err
	}

	index, err := t.context.kv.Update(t.key(), kv.Value{Data: v, Index: t.modifiedIndex})
	if err != nil {
		return err
	}
	t.modifiedIndex = index
	return nil
}

// Finished returns whether the Task has reached a terminal state
func (t *Task) Finished() bool {
	return t.State == TaskStateCompleted || t.State == TaskStateException
}

// Apply mutates the Task according to update. Terminal tasks refuse all
// mutation and the percent of a running task may not decrease. Apply does not
// persist; call Save afterwards.
func (t *Task) Apply(update TaskUpdate) error {
	if t.Finished() {
		return ErrTaskFinished
	}

	if update.State != "" {
		t.State = update.State
	}
	if update.Percent >= 0 {
		if update.Percent < t.Percent && t.State == TaskStateRunning {
			return ErrPercentDecrease
		}
		t.Percent = update.Percent
	}
	if update.Message != "" {
		t.Messages = append(t.Messages, update.Message)
	}
	if update.Finish {
		now := time.Now()
		t.FinishedAt = &now
	}
	return nil
}

// UpdateTask fetches a Task, applies update, and persists the result
func (c *Context) UpdateTask(id string, update TaskUpdate) (*Task, error) {
	t, err := c.Task(id)
	if err != nil {
		return nil, err
	}
	if err := t.Apply(update); err != nil {
		return nil, err
	}
	if err := t.Save(); err != nil {
		return nil, err
	}
	return t, nil
}
