package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/fleetinstall/pkg/discovery"
	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// ErrNotFound is returned when a run or host does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus represents the status of an installation run
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusExhausted   RunStatus = "exhausted"
	RunStatusInterrupted RunStatus = "interrupted"
	// RunStatusAborted marks a run that failed before the first round.
	RunStatusAborted RunStatus = "aborted"
)

// StatusFromState maps a scheduler state to a run status.
func StatusFromState(state engine.SchedulerState) RunStatus {
	switch state {
	case engine.StateSucceeded:
		return RunStatusSucceeded
	case engine.StateExhausted:
		return RunStatusExhausted
	case engine.StateInterrupted:
		return RunStatusInterrupted
	default:
		return RunStatusRunning
	}
}

// IsTerminal returns true if the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents one installation run
type Run struct {
	ID             string     `json:"id"`
	Artifact       string     `json:"artifact"`
	ArtifactPath   string     `json:"artifact_path"`
	Args           string     `json:"args"`
	StagingRoot    string     `json:"staging_root"`
	Retries        int        `json:"retries"`
	DelaySeconds   int        `json:"delay_seconds"`
	BatchSize      int        `json:"batch_size"`
	Status         RunStatus  `json:"status"`
	Rounds         int        `json:"rounds"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
	Skipped        int        `json:"skipped"`
	SuccessPercent int        `json:"success_percent"`
	FailureFile    *string    `json:"failure_file,omitempty"`
	Error          *string    `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HostAttempt is one host operation within a run
type HostAttempt struct {
	ID           int64             `json:"id"`
	RunID        string            `json:"run_id"`
	Host         string            `json:"host"`
	Round        int               `json:"round"`
	TotalRounds  int               `json:"total_rounds"`
	Kind         engine.ResultKind `json:"kind"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	Command      string            `json:"command"`
	Reason       *string           `json:"reason,omitempty"`
	CleanupError *string           `json:"cleanup_error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	DurationMS   int64             `json:"duration_ms"`
}

// Event represents an append-only run log event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	RunID     *string    `json:"run_id,omitempty"`
	Host      *string    `json:"host,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// InventoryHost is a host registered with the inventory
type InventoryHost struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	discovery.InventoryLister

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, outcome *engine.RunOutcome) error
	AbortRun(ctx context.Context, id string, reason string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Attempt operations
	RecordAttempt(ctx context.Context, runID string, result *engine.HostResult) error
	ListAttempts(ctx context.Context, runID string) ([]*HostAttempt, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Inventory operations
	UpsertHost(ctx context.Context, host *InventoryHost) error
	GetHost(ctx context.Context, name string) (*InventoryHost, error)
	RemoveHost(ctx context.Context, name string) error
	ListHosts(ctx context.Context) ([]*InventoryHost, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
