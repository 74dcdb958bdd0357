package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// mockTransport scripts per-host behaviour by call number (1-based).
type mockTransport struct {
	mu sync.Mutex

	copyFn   func(host string, call int) error
	invokeFn func(host string, call int) (int, error)
	// onInvoke runs before invokeFn with the context the installer got.
	onInvoke func(ctx context.Context, host string)
	deleteFn func(host string, call int) error

	copies  map[string]int
	invokes map[string]int
	deletes map[string]int

	commands []string

	delay       time.Duration
	active      int
	maxActive   int
	invokeOrder []string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		copies:  make(map[string]int),
		invokes: make(map[string]int),
		deletes: make(map[string]int),
	}
}

func (m *mockTransport) enter() {
	m.mu.Lock()
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	m.mu.Unlock()
}

func (m *mockTransport) leave() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func (m *mockTransport) CopyTree(ctx context.Context, host HostRecord, sourceDir, destPath string) error {
	m.enter()
	defer m.leave()

	m.mu.Lock()
	m.copies[host.Name]++
	call := m.copies[host.Name]
	fn := m.copyFn
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fn != nil {
		return fn(host.Name, call)
	}
	return nil
}

func (m *mockTransport) RemoteInvoke(ctx context.Context, host HostRecord, command string, args []string) (int, error) {
	m.mu.Lock()
	m.invokes[host.Name]++
	call := m.invokes[host.Name]
	m.commands = append(m.commands, CommandLine(command, args))
	m.invokeOrder = append(m.invokeOrder, host.Name)
	fn := m.invokeFn
	hook := m.onInvoke
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, host.Name)
	}
	if fn != nil {
		return fn(host.Name, call)
	}
	return 0, nil
}

func (m *mockTransport) RemoteDelete(ctx context.Context, host HostRecord, path string) error {
	m.mu.Lock()
	m.deletes[host.Name]++
	call := m.deletes[host.Name]
	fn := m.deleteFn
	m.mu.Unlock()

	if fn != nil {
		return fn(host.Name, call)
	}
	return nil
}

func (m *mockTransport) totalInvokes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.invokes {
		total += n
	}
	return total
}

func (m *mockTransport) totalCopies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.copies {
		total += n
	}
	return total
}

// mockEventPublisher records published events.
type mockEventPublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockEventPublisher) ofType(t EventType) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
	fn    func(ctx context.Context, d time.Duration) error
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, d)
	}
	return nil
}

// writeArtifact creates <dir>/<folder>/<name> and returns its path.
func writeArtifact(t *testing.T, folder, name string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create artifact folder: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("payload"), 0o644); err != nil {
		t.Fatalf("Failed to write artifact: %v", err)
	}
	return p
}

func testArtifact(t *testing.T, name string, args InstallArgs) *Artifact {
	t.Helper()
	a, err := NewArtifact(writeArtifact(t, "pkg", name), args)
	if err != nil {
		t.Fatalf("NewArtifact() error = %v", err)
	}
	return a
}
