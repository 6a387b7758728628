// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"fixline/internal/command"
)

// Call records one invocation seen by Fake.
type Call struct {
	Dir  string
	Argv []string
}

// Line joins the argv with spaces.
func (c Call) Line() string { return strings.Join(c.Argv, " ") }

// Handler answers an invocation. Returning a non-nil error makes the call fail; errors that are
// not already *command.CommandError are wrapped in one with exit code 1.
type Handler func(call Call) (stdout string, err error)

// Fake dispatches invocations to the first handler whose prefix matches the argv.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	prefixes []string
	handlers []Handler
}

// On registers a handler for invocations whose joined argv starts with prefix.
func (f *Fake) On(prefix string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	f.handlers = append(f.handlers, h)
	return f
}

// Reply registers a fixed successful output for prefix.
func (f *Fake) Reply(prefix, stdout string) *Fake {
	return f.On(prefix, func(Call) (string, error) { return stdout, nil })
}

func (f *Fake) Run(_ context.Context, dir, name string, args ...string) (command.Result, error) {
	call := Call{Dir: dir, Argv: append([]string{name}, args...)}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var handler Handler
	line := call.Line()
	for i, p := range f.prefixes {
		if strings.HasPrefix(line, p) {
			handler = f.handlers[i]
			break
		}
	}
	f.mu.Unlock()

	if handler == nil {
		return command.Result{}, nil
	}
	out, err := handler(call)
	if err == nil {
		return command.Result{Stdout: out}, nil
	}
	if _, ok := err.(*command.CommandError); ok {
		return command.Result{Stdout: out, ExitCode: 1}, err
	}
	return command.Result{Stdout: out, Stderr: err.Error(), ExitCode: 1},
		&command.CommandError{Command: call.Argv, ExitCode: 1, Stdout: out, Stderr: err.Error()}
}

// Calls returns every invocation in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many invocations started with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.Line(), prefix) {
			n++
		}
	}
	return n
}
