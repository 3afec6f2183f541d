package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TaskInfo describes a running handler task.
type TaskInfo struct {
	ID      string    `json:"id"`
	Command string    `json:"command,omitempty"`
	ChatID  int64     `json:"chat_id"`
	Client  string    `json:"client"`
	Started time.Time `json:"started"`
}

type task struct {
	info   TaskInfo
	cancel context.CancelCauseFunc
}

// Tasks tracks running handler tasks by id. Several tasks may share an id when
// both clients run the same update; cancelling the id cancels all of them.
type Tasks struct {
	mu    sync.Mutex
	tasks map[string][]*task
}

// NewTasks creates an empty task table.
func NewTasks() *Tasks {
	return &Tasks{tasks: make(map[string][]*task)}
}

// start registers a task derived from parent. The returned finish func must be
// called once the task is done.
func (t *Tasks) start(parent context.Context, info TaskInfo) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	tk := &task{info: info, cancel: cancel}

	t.mu.Lock()
	t.tasks[info.ID] = append(t.tasks[info.ID], tk)
	t.mu.Unlock()

	finish := func() {
		cancel(nil)
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.tasks[info.ID]
		for i, other := range list {
			if other == tk {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(t.tasks, info.ID)
		} else {
			t.tasks[info.ID] = list
		}
	}
	return ctx, finish
}

// Cancel cancels every task running under id and returns how many there were.
func (t *Tasks) Cancel(id string) (int, error) {
	t.mu.Lock()
	list := append([]*task(nil), t.tasks[id]...)
	t.mu.Unlock()

	if len(list) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	for _, tk := range list {
		tk.cancel(ErrTaskCancelled)
	}
	slog.Info("Tasks.Cancel: task cancelled", "task_id", id, "count", len(list))
	return len(list), nil
}

// Running reports whether a task with id is running.
func (t *Tasks) Running(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks[id]) > 0
}

// List returns the running tasks ordered by start time.
func (t *Tasks) List() []TaskInfo {
	t.mu.Lock()
	out := make([]TaskInfo, 0, len(t.tasks))
	for _, list := range t.tasks {
		for _, tk := range list {
			out = append(out, tk.info)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
