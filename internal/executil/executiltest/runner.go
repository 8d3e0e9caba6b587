// Package executiltest provides a scripted executil.Runner for tests:
// commands are matched against stub rules and recorded, so tests can
// assert on exactly which host tools an operation would have invoked.
package executiltest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/osdfleet/disktender/internal/executil"
)

// Call records one subprocess invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call the way it would appear on a shell line.
func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Rule matches an invocation by command name and, optionally, a
// substring of the joined argument list.
type Rule struct {
	Name     string
	Contains string
	Result   executil.Result
	Err      error
}

// Runner is the scripted executil.Runner. Unmatched commands succeed
// with empty output.
type Runner struct {
	mu    sync.Mutex
	rules []Rule
	calls []Call
}

// Stub appends a matching rule. First match wins.
func (r *Runner) Stub(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// Run implements executil.Runner.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (executil.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Name: name, Args: args})

	joined := strings.Join(args, " ")
	for _, rule := range r.rules {
		if rule.Name != name {
			continue
		}
		if rule.Contains != "" && !strings.Contains(joined, rule.Contains) {
			continue
		}
		return rule.Result, rule.Err
	}
	return executil.Result{}, nil
}

// Calls returns every recorded invocation.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CommandLines renders recorded invocations as shell-style lines.
func (r *Runner) CommandLines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Invoked reports whether any recorded call used the command name.
func (r *Runner) Invoked(name string) bool {
	for _, c := range r.Calls() {
		if c.Name == name {
			return true
		}
	}
	return false
}

var _ executil.Runner = (*Runner)(nil)
