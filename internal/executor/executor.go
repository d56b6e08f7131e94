// Package executor defines how chosen actions are carried out. The core
// never blocks on execution: executors report completion through a callback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danielpatrickdp/reflexcore/internal/action"
	"github.com/danielpatrickdp/reflexcore/internal/state"
)

// #region types
// Request is one approved action to run.
type Request struct {
	Receipt uint64
	Action  action.Spec
	State   state.Token
	Goal    string
}

// Params returns the action parameters, never nil.
func (r Request) Params() map[string]float64 {
	if r.Action.Params == nil {
		return map[string]float64{}
	}
	return r.Action.Params
}

// Outcome is what an executor reports on completion.
type Outcome struct {
	Success bool
	Reward  float64
	Detail  string
}

// Executor starts an action. A returned error means the action never
// started and done will not be called. Otherwise done is called exactly once.
type Executor interface {
	Execute(ctx context.Context, req Request, done func(Outcome)) error
}

var (
	ErrNoExecutor = errors.New("executor: no executor for kind")
	ErrClosed     = errors.New("executor: closed")
)

// #endregion types

// #region func
// Func adapts a blocking function. It runs on its own goroutine; an error
// from f becomes a failed Outcome.
type Func func(ctx context.Context, req Request) (Outcome, error)

func (f Func) Execute(ctx context.Context, req Request, done func(Outcome)) error {
	go func() {
		out, err := f(ctx, req)
		if err != nil {
			out = Outcome{Success: false, Detail: err.Error()}
		}
		done(out)
	}()
	return nil
}

// #endregion func

// #region registry
// Registry routes requests to executors by action Kind.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Executor)}
}

// Register binds kind to e, replacing any previous binding.
func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	r.byKind[kind] = e
	r.mu.Unlock()
}

// Unregister removes the binding for kind.
func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	delete(r.byKind, kind)
	r.mu.Unlock()
}

// Lookup returns the executor bound to kind.
func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	e, ok := r.byKind[kind]
	r.mu.RUnlock()
	return e, ok
}

// Kinds lists bound kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Execute routes req by its action Kind.
func (r *Registry) Execute(ctx context.Context, req Request, done func(Outcome)) error {
	e, ok := r.Lookup(req.Action.Kind)
	if !ok {
		return fmt.Errorf("%w %q (action %d)", ErrNoExecutor, req.Action.Kind, req.Action.ID)
	}
	return e.Execute(ctx, req, done)
}

// #endregion registry
