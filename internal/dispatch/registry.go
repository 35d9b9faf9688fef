package dispatch

import (
	"sort"
	"sync"
	"time"
)

// TaskRegistry stores tasks by id.
type TaskRegistry interface {
	Put(t *Task)
	Get(id string) (*Task, bool)
	Delete(id string)
	// List returns tasks owned by owner, or every task when owner is empty,
	// oldest first.
	List(owner string) []*Task
	// Finished returns tasks that ended before the given time.
	Finished(before time.Time) []*Task
}

// MemoryTaskRegistry is an in-process TaskRegistry.
type MemoryTaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryTaskRegistry creates an empty MemoryTaskRegistry.
func NewMemoryTaskRegistry() *MemoryTaskRegistry {
	return &MemoryTaskRegistry{tasks: make(map[string]*Task)}
}

func (r *MemoryTaskRegistry) Put(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.id] = t
}

func (r *MemoryTaskRegistry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

func (r *MemoryTaskRegistry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

func (r *MemoryTaskRegistry) List(owner string) []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if owner == "" || t.owner == owner {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sortTasks(out)
	return out
}

func (r *MemoryTaskRegistry) Finished(before time.Time) []*Task {
	r.mu.RLock()
	var out []*Task
	for _, t := range r.tasks {
		if t.finishedBefore(before) {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sortTasks(out)
	return out
}

func sortTasks(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].started.Equal(ts[j].started) {
			return ts[i].id < ts[j].id
		}
		return ts[i].started.Before(ts[j].started)
	})
}
