// Package registry maps action names to task implementations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ops-orchestrator/internal/models"
)

var (
	ErrUnknownAction   = errors.New("unknown action")
	ErrDuplicateAction = errors.New("action already registered")
)

// TaskFunc executes one task with its argument bag.
type TaskFunc func(ctx context.Context, args models.Args) (any, error)

// Registry is the static action -> task table. Register at startup, dispatch afterwards.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

func New() *Registry {
	return &Registry{tasks: make(map[string]TaskFunc)}
}

// Register binds fn to action.
func (r *Registry) Register(action string, fn TaskFunc) error {
	if action == "" || fn == nil {
		return errors.New("action and task are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[action]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateAction, action)
	}
	r.tasks[action] = fn
	return nil
}

// Has reports whether action is registered.
func (r *Registry) Has(action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[action]
	return ok
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for a := range r.tasks {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the task registered for action and returns its result
// unchanged. An unknown action yields a permanent ErrUnknownAction.
func (r *Registry) Dispatch(ctx context.Context, action string, args models.Args) (any, error) {
	r.mu.RLock()
	fn, ok := r.tasks[action]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownAction, action))
	}
	if args == nil {
		args = models.Args{}
	}
	return fn(ctx, args)
}
