package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event represents a timeline event during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// Host is the host the event relates to, if any.
	Host string `json:"host,omitempty"`

	// Attempt is the round the event belongs to, if any.
	Attempt Attempt `json:"attempt"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Result is set on host_completed events.
	Result *HostResult `json:"result,omitempty"`

	// Outcome is set on run_completed events.
	Outcome *RunOutcome `json:"outcome,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID and the current time.
func NewEvent(runID string, eventType EventType, level, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Message:   message,
		Level:     level,
	}
}

// WithHost sets the host and attempt of the event.
func (e *Event) WithHost(host string, attempt Attempt) *Event {
	e.Host = host
	e.Attempt = attempt
	return e
}

// WithDetail adds a detail field to the event.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Publishers fans an event out to several publishers.
type Publishers []EventPublisher

// Publish sends the event to every publisher and joins their errors.
func (p Publishers) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, pub := range p {
		if pub == nil {
			continue
		}
		if err := pub.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type runContextKey struct{}

type runContext struct {
	runID   string
	attempt Attempt
}

// WithRun attaches a run ID and attempt to ctx so host operations can tag
// the events they publish.
func WithRun(ctx context.Context, runID string, attempt Attempt) context.Context {
	return context.WithValue(ctx, runContextKey{}, runContext{runID: runID, attempt: attempt})
}

// RunFromContext returns the run ID and attempt attached by WithRun.
func RunFromContext(ctx context.Context) (string, Attempt) {
	rc, ok := ctx.Value(runContextKey{}).(runContext)
	if !ok {
		return "", Attempt{}
	}
	return rc.runID, rc.attempt
}
