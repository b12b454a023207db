// Package registry maps string names to workflow, activity and query
// implementations. A registry is populated at process startup and read-only
// afterwards; the worker and scheduler resolve names through it on every
// step.
package registry

import (
	"fmt"
	"sync"

	"goa.design/durable/engine"
	"goa.design/durable/retry"
	"goa.design/durable/store"
)

type (
	// Registry implements engine.Registry with process-wide maps guarded
	// for init-time registration from multiple goroutines.
	Registry struct {
		mu         sync.RWMutex
		workflows  map[string]workflowEntry
		activities map[string]activityEntry
		queries    map[string]map[string]engine.QueryFunc
	}

	workflowEntry struct {
		fn   engine.WorkflowFunc
		opts engine.WorkflowOptions
	}

	activityEntry struct {
		fn   engine.ActivityFunc
		opts engine.ActivityOptions
	}
)

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		workflows:  make(map[string]workflowEntry),
		activities: make(map[string]activityEntry),
		queries:    make(map[string]map[string]engine.QueryFunc),
	}
}

// RegisterWorkflow binds a workflow body to a name. Name collisions are
// rejected at registration.
func (r *Registry) RegisterWorkflow(name string, opts engine.WorkflowOptions, fn engine.WorkflowFunc) error {
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: handler is required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.workflows[name]; dup {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = workflowEntry{fn: fn, opts: opts}
	return nil
}

// RegisterActivity binds an activity body to a name. The reserved timer
// name is not user-registrable; a zero retry policy is replaced with
// retry.Default.
func (r *Registry) RegisterActivity(name string, opts engine.ActivityOptions, fn engine.ActivityFunc) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if name == store.SleepActivity {
		return fmt.Errorf("activity name %q is reserved", name)
	}
	if fn == nil {
		return fmt.Errorf("activity %q: handler is required", name)
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Default()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.activities[name]; dup {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = activityEntry{fn: fn, opts: opts}
	return nil
}

// RegisterQuery binds a read-only query handler to a workflow name. Query
// handlers run synchronously against a snapshot and write no history.
func (r *Registry) RegisterQuery(workflow, name string, fn engine.QueryFunc) error {
	if workflow == "" || name == "" {
		return fmt.Errorf("workflow and query names are required")
	}
	if fn == nil {
		return fmt.Errorf("query %s/%s: handler is required", workflow, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	qs := r.queries[workflow]
	if qs == nil {
		qs = make(map[string]engine.QueryFunc)
		r.queries[workflow] = qs
	}
	if _, dup := qs[name]; dup {
		return fmt.Errorf("query %s/%s already registered", workflow, name)
	}
	qs[name] = fn
	return nil
}

// Workflow implements engine.Registry.
func (r *Registry) Workflow(name string) (engine.WorkflowFunc, engine.WorkflowOptions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workflows[name]
	if !ok {
		return nil, engine.WorkflowOptions{}, engine.Errorf(engine.KindNotRegistered, "workflow %q is not registered", name)
	}
	return e.fn, e.opts, nil
}

// Activity implements engine.Registry. The reserved timer name resolves to
// no implementation: its "execution" is pure scheduling.
func (r *Registry) Activity(name string) (engine.ActivityFunc, engine.ActivityOptions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.activities[name]
	if !ok {
		return nil, engine.ActivityOptions{}, engine.Errorf(engine.KindNotRegistered, "activity %q is not registered", name)
	}
	return e.fn, e.opts, nil
}

// Query implements engine.Registry.
func (r *Registry) Query(workflow, name string) (engine.QueryFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.queries[workflow][name]
	if !ok {
		return nil, engine.Errorf(engine.KindNotRegistered, "query %q is not registered for workflow %q", name, workflow)
	}
	return fn, nil
}
