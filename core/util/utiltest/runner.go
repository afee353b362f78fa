// Package utiltest provides a recording Runner for tests.
package utiltest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Call is one recorded command invocation
type Call struct {
	Name  string
	Args  []string
	Input string
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// FakeRunner records every command and answers from canned responses keyed
// by command-line prefix. The longest matching prefix wins.
type FakeRunner struct {
	mu sync.Mutex

	Calls   []Call
	Outputs map[string]string
	Errors  map[string]error
	Lines   map[string][]string
	// Hooks run when a command matching the prefix is executed, before the
	// canned response is returned. Handy to emulate side effects on a fake
	// filesystem (a tool creating a device node, a daemon writing a file).
	Hooks map[string]func(Call)
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Outputs: map[string]string{},
		Errors:  map[string]error{},
		Lines:   map[string][]string{},
		Hooks:   map[string]func(Call){},
	}
}

func longestPrefix[V any](m map[string]V, line string) (V, bool) {
	var (
		best  V
		found bool
		size  = -1
	)
	for prefix, v := range m {
		if strings.HasPrefix(line, prefix) && len(prefix) > size {
			best, found, size = v, true, len(prefix)
		}
	}
	return best, found
}

func (f *FakeRunner) record(name string, args []string, input io.Reader) (Call, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	if input != nil {
		b, err := io.ReadAll(input)
		if err != nil {
			return call, err
		}
		call.Input = string(b)
	}

	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	hook, ok := longestPrefix(f.Hooks, call.String())
	f.mu.Unlock()

	if ok {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := longestPrefix(f.Errors, call.String()); ok {
		return call, err
	}
	return call, nil
}

func (f *FakeRunner) Run(_ context.Context, name string, args ...string) error {
	_, err := f.record(name, args, nil)
	return err
}

func (f *FakeRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	call, err := f.record(name, args, nil)
	f.mu.Lock()
	defer f.mu.Unlock()
	out, _ := longestPrefix(f.Outputs, call.String())
	return strings.TrimSpace(out), err
}

func (f *FakeRunner) RunWithInput(_ context.Context, input io.Reader, name string, args ...string) error {
	_, err := f.record(name, args, input)
	return err
}

func (f *FakeRunner) RunStreaming(_ context.Context, onLine func(string), name string, args ...string) error {
	call, err := f.record(name, args, nil)
	f.mu.Lock()
	lines, _ := longestPrefix(f.Lines, call.String())
	f.mu.Unlock()
	for _, l := range lines {
		onLine(l)
	}
	return err
}

// Commands returns every recorded call rendered as a command line
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.String())
	}
	return out
}

// Matching returns the recorded calls whose command line starts with prefix
func (f *FakeRunner) Matching(prefix string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Index returns the position of the first call starting with prefix, or -1
func (f *FakeRunner) Index(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.Calls {
		if strings.HasPrefix(c.String(), prefix) {
			return i
		}
	}
	return -1
}

// Fail makes every command starting with prefix fail
func (f *FakeRunner) Fail(prefix string, format string, args ...any) {
	f.Errors[prefix] = fmt.Errorf(format, args...)
}
