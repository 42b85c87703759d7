package command

import (
	"context"
	"sync"
)

// Call records one invocation made through a FakeRunner
type Call struct {
	Name string
	Args []string
}

// Line is the quoted command line of the call
func (c Call) Line() string {
	return Quote(c.Name, c.Args...)
}

// FakeRunner records calls and answers them from a handler. It is used by
// tests across packages that shell out to system tools.
type FakeRunner struct {
	mu      sync.Mutex
	calls   []Call
	Handler func(name string, args []string) (Result, error)
}

// Run records the call and delegates to Handler; without a handler every
// command succeeds with empty output
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	handler := f.Handler
	f.mu.Unlock()

	if handler == nil {
		return Result{}, nil
	}
	return handler(name, args)
}

// Calls returns a copy of the recorded calls
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the recorded calls as quoted command lines
func (f *FakeRunner) Lines() []string {
	calls := f.Calls()
	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		lines = append(lines, c.Line())
	}
	return lines
}
