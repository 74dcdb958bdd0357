package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Filter decides whether a candidate takes part in the run. When it does not,
// reason explains why.
type Filter interface {
	Include(ctx context.Context, c Candidate) (include bool, reason string, err error)
}

// StarlarkFilter runs a user script against every candidate. The script must
// define include(host), where host is a struct with the fields name, address,
// port, labels and source. include returns True to keep the host, False to
// skip it, or a string to skip it with that reason.
//
//	def include(host):
//	    if host.labels.get("env") == "prod":
//	        return "production hosts go through change control"
//	    return True
type StarlarkFilter struct {
	timeout time.Duration
	globals starlark.StringDict
	fn      starlark.Callable
}

// NewStarlarkFilter compiles the script. A zero timeout defaults to 5s per host.
func NewStarlarkFilter(filename, script string, timeout time.Duration) (*StarlarkFilter, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	thread := newThread()
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	v, ok := globals["include"]
	if !ok {
		return nil, fmt.Errorf("%s: filter script must define include(host)", filename)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: include is a %s, not a function", filename, v.Type())
	}

	globals.Freeze()
	return &StarlarkFilter{timeout: timeout, globals: globals, fn: fn}, nil
}

func newThread() *starlark.Thread {
	return &starlark.Thread{
		Name: "fleetinstall-filter",
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
	}
}

// Include implements Filter.
func (f *StarlarkFilter) Include(ctx context.Context, c Candidate) (bool, string, error) {
	evalCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	thread := newThread()

	type verdict struct {
		include bool
		reason  string
		err     error
	}
	ch := make(chan verdict, 1)

	go func() {
		val, err := starlark.Call(thread, f.fn, starlark.Tuple{hostValue(c)}, nil)
		if err != nil {
			ch <- verdict{err: fmt.Errorf("include(%s) failed: %w", c.Name, err)}
			return
		}
		inc, reason, err := toVerdict(val)
		ch <- verdict{include: inc, reason: reason, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("filter timeout")
		return false, "", fmt.Errorf("starlark filter timeout for %s after %v", c.Name, f.timeout)
	case v := <-ch:
		return v.include, v.reason, v.err
	}
}

func toVerdict(v starlark.Value) (bool, string, error) {
	switch val := v.(type) {
	case starlark.Bool:
		if val {
			return true, "", nil
		}
		return false, "excluded by filter", nil
	case starlark.String:
		return false, string(val), nil
	case starlark.NoneType:
		return false, "excluded by filter", nil
	default:
		return false, "", fmt.Errorf("include must return bool or string, got %s", v.Type())
	}
}

func hostValue(c Candidate) starlark.Value {
	address, port := c.Name, 0
	if h, p, err := net.SplitHostPort(c.Name); err == nil {
		address = h
		port, _ = strconv.Atoi(p)
	}

	labels := starlark.NewDict(len(c.Labels))
	for k, v := range c.Labels {
		_ = labels.SetKey(starlark.String(k), starlark.String(v))
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"name":    starlark.String(c.Name),
		"address": starlark.String(address),
		"port":    starlark.MakeInt(port),
		"labels":  labels,
		"source":  starlark.String(c.Source),
	})
}
