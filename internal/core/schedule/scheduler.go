// Package schedule runs delayed callbacks that can be cancelled, flushed or dropped as a group.
package schedule

import (
	"slices"
	"sync"
	"time"
)

// Scheduler owns a set of pending delayed tasks.
type Scheduler struct {
	mu      sync.Mutex
	next    uint64
	tasks   map[uint64]*task
	stopped bool
}

type task struct {
	timer *time.Timer
	fn    func()
}

// Handle identifies one scheduled task.
type Handle struct {
	id uint64
	s  *Scheduler
}

func New() *Scheduler {
	return &Scheduler{tasks: make(map[uint64]*task)}
}

// After runs fn once d has elapsed unless the task is cancelled, flushed or the scheduler is stopped first.
// After a Stop, After is a no-op and returns a zero Handle.
func (s *Scheduler) After(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Handle{}
	}
	s.next++
	id := s.next
	t := &task{fn: fn}
	t.timer = time.AfterFunc(d, func() { s.fire(id) })
	s.tasks[id] = t
	return Handle{id: id, s: s}
}

func (s *Scheduler) fire(id uint64) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if ok {
		t.fn()
	}
}

// Cancel drops the task. It reports false if the task already ran or was dropped.
func (h Handle) Cancel() bool {
	if h.s == nil {
		return false
	}
	h.s.mu.Lock()
	t, ok := h.s.tasks[h.id]
	if ok {
		delete(h.s.tasks, h.id)
	}
	h.s.mu.Unlock()
	if ok {
		t.timer.Stop()
	}
	return ok
}

// Flush runs every pending task now, in scheduling order, and returns how many ran.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	pending := make([]*task, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		t := s.tasks[id]
		delete(s.tasks, id)
		t.timer.Stop()
		pending = append(pending, t)
	}
	s.mu.Unlock()

	for _, t := range pending {
		t.fn()
	}
	return len(pending)
}

// Stop cancels every pending task and rejects new ones. It returns how many were dropped.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	n := len(s.tasks)
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	return n
}

// Pending returns the number of tasks waiting to run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
