package monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Registry is the owned task store: single-writer mutation, copy-out
// reads. Nothing outside this file touches the underlying map.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]*Task{}}
}

// newTaskID returns a short id that is comfortable to type in chat.
func newTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Update applies fn to the stored task under the write lock.
func (r *Registry) Update(id string, fn func(*Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return false
	}
	delete(r.tasks, id)
	return true
}

// List returns task copies ordered by creation time.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func (r *Registry) export() map[string]*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Task, len(r.tasks))
	for id, t := range r.tasks {
		cp := *t
		out[id] = &cp
	}
	return out
}

func (r *Registry) restore(tasks map[string]*Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*Task, len(tasks))
	for id, t := range tasks {
		if t == nil || id == "" {
			continue
		}
		cp := *t
		cp.ID = id
		r.tasks[id] = &cp
	}
}
