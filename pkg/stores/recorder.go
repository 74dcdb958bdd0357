package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// RunRecorder persists the run timeline. It implements engine.EventPublisher:
// every event is appended to the events table, host_completed events become
// host attempts, and run_completed stores the outcome on the run row. The
// run row itself must exist before the first event.
type RunRecorder struct {
	store Store
}

var _ engine.EventPublisher = (*RunRecorder)(nil)

// NewRunRecorder creates a recorder backed by the given store.
func NewRunRecorder(store Store) *RunRecorder {
	return &RunRecorder{store: store}
}

// Publish implements engine.EventPublisher.
func (r *RunRecorder) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}

	switch event.Type {
	case engine.EventTypeHostCompleted:
		if event.Result != nil {
			if err := r.store.RecordAttempt(ctx, event.RunID, event.Result); err != nil {
				return err
			}
		}
	case engine.EventTypeRunCompleted:
		if event.Outcome != nil {
			if err := r.store.CompleteRun(ctx, event.Outcome); err != nil {
				return err
			}
		}
	}

	return r.store.AppendEvent(ctx, toStoreEvent(event))
}

func toStoreEvent(e *engine.Event) *Event {
	out := &Event{
		EventID:   e.ID,
		Type:      string(e.Type),
		Level:     levelOf(e.Level),
		Message:   e.Message,
		Timestamp: e.Timestamp,
	}
	if e.RunID != "" {
		runID := e.RunID
		out.RunID = &runID
	}
	if e.Host != "" {
		host := e.Host
		out.Host = &host
	}

	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	if e.Attempt.Round > 0 {
		details["round"] = e.Attempt.Round
		details["total_rounds"] = e.Attempt.TotalRounds
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			out.Details = &s
		} else {
			s := fmt.Sprintf(`{"encode_error":%q}`, err.Error())
			out.Details = &s
		}
	}
	return out
}

func levelOf(level string) EventLevel {
	switch level {
	case "debug":
		return EventLevelDebug
	case "warn", "warning":
		return EventLevelWarning
	case "error":
		return EventLevelError
	default:
		return EventLevelInfo
	}
}
