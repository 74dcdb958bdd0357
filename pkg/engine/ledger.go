package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Ledger classifies hosts into succeeded, failed and skipped buckets across
// the rounds of a run. The buckets are disjoint at all times. It is safe for
// concurrent use by the workers of a round.
type Ledger struct {
	mu sync.Mutex

	// seq gives every host a stable position so listings follow batch order
	// regardless of the order in which workers finish.
	seq map[string]int

	succeeded map[string]HostRecord
	failed    map[string]HostRecord
	skipped   map[string]SkippedHost

	lastFailure map[string]*HostResult

	sealed bool
}

// LedgerSnapshot is a read-only copy of the ledger taken at termination.
type LedgerSnapshot struct {
	Succeeded []HostRecord  `json:"succeeded"`
	Failed    []HostRecord  `json:"failed"`
	Skipped   []SkippedHost `json:"skipped"`

	// LastFailure holds the most recent failing result for each failed host.
	LastFailure map[string]*HostResult `json:"last_failure,omitempty"`
}

// NewLedger creates an empty ledger. The batch fixes the listing order.
func NewLedger(batch ...HostRecord) *Ledger {
	l := &Ledger{
		seq:         make(map[string]int, len(batch)),
		succeeded:   make(map[string]HostRecord),
		failed:      make(map[string]HostRecord),
		skipped:     make(map[string]SkippedHost),
		lastFailure: make(map[string]*HostResult),
	}
	for _, h := range batch {
		l.track(h.Name)
	}
	return l
}

func (l *Ledger) track(name string) {
	if _, ok := l.seq[name]; !ok {
		l.seq[name] = len(l.seq)
	}
}

// Record files a host result into succeeded or failed. A host can be recorded
// once per round: recording it again before the failures are drained, after
// it succeeded, or after it was skipped is an error.
func (l *Ledger) Record(result *HostResult) error {
	if result == nil {
		return NewPermanentError("nil host result", nil).WithCode(ErrCodeInvariant)
	}
	if err := result.Kind.Validate(); err != nil {
		return NewPermanentError("invalid host result", err).WithCode(ErrCodeInvariant)
	}

	name := result.Host.Name

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkRecordable(name); err != nil {
		return err
	}

	l.track(name)

	if result.Kind == ResultSucceeded {
		l.succeeded[name] = result.Host
		delete(l.lastFailure, name)
		return nil
	}

	l.failed[name] = result.Host
	l.lastFailure[name] = result
	return nil
}

func (l *Ledger) checkRecordable(name string) error {
	if l.sealed {
		return invariantError("ledger is settled", name)
	}
	if _, ok := l.succeeded[name]; ok {
		return invariantError("host already succeeded", name)
	}
	if _, ok := l.failed[name]; ok {
		return invariantError("host recorded twice in one round", name)
	}
	if _, ok := l.skipped[name]; ok {
		return invariantError("host is skipped", name)
	}
	return nil
}

func invariantError(msg, host string) *EngineError {
	return NewPermanentError(msg, nil).WithCode(ErrCodeInvariant).WithHost(host)
}

// Skip files a host discovery excluded. Skipped hosts are never attempted.
func (l *Ledger) Skip(host HostRecord, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkRecordable(host.Name); err != nil {
		return err
	}
	l.track(host.Name)
	l.skipped[host.Name] = SkippedHost{Host: host, Reason: reason}
	return nil
}

// DrainFailures returns the hosts that failed since the previous drain, in
// batch order, and clears the failed bucket.
func (l *Ledger) DrainFailures() []HostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	drained := l.ordered(l.failed)
	l.failed = make(map[string]HostRecord)
	return drained
}

// Settle puts the final failure set back into the failed bucket and seals the
// ledger against further changes. It is called once, at termination.
func (l *Ledger) Settle(finalFailed []HostRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return NewPermanentError("ledger already settled", nil).WithCode(ErrCodeInvariant)
	}
	for _, h := range finalFailed {
		if _, ok := l.succeeded[h.Name]; ok {
			return invariantError("settled failure already succeeded", h.Name)
		}
		if _, ok := l.skipped[h.Name]; ok {
			return invariantError("settled failure is skipped", h.Name)
		}
		l.track(h.Name)
		l.failed[h.Name] = h
	}
	l.sealed = true
	return nil
}

// Succeeded returns the succeeded hosts in batch order.
func (l *Ledger) Succeeded() []HostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ordered(l.succeeded)
}

// Failed returns the currently failed hosts in batch order.
func (l *Ledger) Failed() []HostRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ordered(l.failed)
}

// Skipped returns the skipped hosts in batch order.
func (l *Ledger) Skipped() []SkippedHost {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orderedSkipped()
}

// LastFailure returns the most recent failing result for a host that has
// not succeeded since.
func (l *Ledger) LastFailure(host string) (*HostResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.lastFailure[host]
	return r, ok
}

// Snapshot copies the three buckets.
func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	last := make(map[string]*HostResult, len(l.failed))
	for name := range l.failed {
		if r, ok := l.lastFailure[name]; ok {
			last[name] = r
		}
	}

	return LedgerSnapshot{
		Succeeded:   l.ordered(l.succeeded),
		Failed:      l.ordered(l.failed),
		Skipped:     l.orderedSkipped(),
		LastFailure: last,
	}
}

// String returns a short bucket count summary.
func (l *Ledger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("ledger(succeeded=%d failed=%d skipped=%d)",
		len(l.succeeded), len(l.failed), len(l.skipped))
}

func (l *Ledger) ordered(bucket map[string]HostRecord) []HostRecord {
	out := make([]HostRecord, 0, len(bucket))
	for _, h := range bucket {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return l.seq[out[i].Name] < l.seq[out[j].Name]
	})
	return out
}

func (l *Ledger) orderedSkipped() []SkippedHost {
	out := make([]SkippedHost, 0, len(l.skipped))
	for _, s := range l.skipped {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return l.seq[out[i].Host.Name] < l.seq[out[j].Host.Name]
	})
	return out
}
