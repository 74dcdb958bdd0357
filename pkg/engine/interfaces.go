package engine

import (
	"context"
	"time"
)

// Stager copies a local directory tree to a remote host.
type Stager interface {
	// CopyTree recursively copies sourceDir to destPath on host, preserving
	// relative paths and overwriting every existing file.
	CopyTree(ctx context.Context, host HostRecord, sourceDir, destPath string) error
}

// Invoker runs a command on a remote host.
type Invoker interface {
	// RemoteInvoke runs command with args on host and waits for it to exit.
	// A non-zero exit code is not an error; err is reserved for faults of the
	// execution channel itself.
	RemoteInvoke(ctx context.Context, host HostRecord, command string, args []string) (int, error)
}

// Remover deletes paths on a remote host.
type Remover interface {
	// RemoteDelete recursively and forcibly deletes path on host.
	RemoteDelete(ctx context.Context, host HostRecord, path string) error
}

// Transport bundles the three capabilities a host operation needs.
type Transport interface {
	Stager
	Invoker
	Remover
}

// HostSource produces the batch of hosts for a run.
type HostSource interface {
	// Discover returns the hosts to attempt, in order, and the hosts that
	// were found but excluded.
	Discover(ctx context.Context) (Discovery, error)
}

// Operation runs the stage/install/cleanup workflow against one host.
type Operation interface {
	// Execute never returns an error: every failure mode is classified on
	// the returned result.
	Execute(ctx context.Context, host HostRecord, artifact *Artifact, stagingRoot string) *HostResult
}

// EventPublisher receives the run timeline.
type EventPublisher interface {
	// Publish publishes an event. Errors are logged by the caller and never
	// change the outcome of a run.
	Publish(ctx context.Context, event *Event) error
}

// Sleeper waits between rounds. Tests substitute a recording fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

type timerSleeper struct{}

// Sleep blocks for d or until ctx is done.
func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
