package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetinstall/pkg/engine"
	"github.com/openfroyo/fleetinstall/pkg/report"
)

// runLogTimeFormat is the timestamp printed on every run log line.
const runLogTimeFormat = "2006-01-02 15:04:05"

// RunLogFileName returns the run log name for an artifact started at t.
func RunLogFileName(artifactName string, t time.Time) string {
	return fmt.Sprintf("%s_%s.log", artifactName, t.Format(report.TimestampLayout))
}

// RunLog narrates a run for operators. Every line goes to the log file and
// to the console writer; the final summary block is appended verbatim. It
// implements engine.EventPublisher.
type RunLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	console io.Writer
	logger  zerolog.Logger
	closed  bool
}

var _ engine.EventPublisher = (*RunLog)(nil)

// OpenRunLog creates <dir>/<artifact>_<timestamp>.log. console may be nil to
// write to the file only.
func OpenRunLog(dir, artifactName string, startedAt time.Time, console io.Writer) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, RunLogFileName(artifactName, startedAt))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log: %w", err)
	}

	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: file, NoColor: true, TimeFormat: runLogTimeFormat},
	}
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, NoColor: true, TimeFormat: runLogTimeFormat})
	}

	return &RunLog{
		path:    path,
		file:    file,
		console: console,
		logger:  zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger(),
	}, nil
}

// Path returns the location of the log file.
func (r *RunLog) Path() string {
	return r.path
}

// Publish implements engine.EventPublisher.
func (r *RunLog) Publish(_ context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}

	switch event.Type {
	case engine.EventTypeRoundStarted:
		r.logger.Info().Msgf("==== Round %d of %d ====", event.Attempt.Round, event.Attempt.TotalRounds)
		r.logger.Info().Msg(event.Message)
	case engine.EventTypeHostStaging:
		r.entry(event).Msgf("copy started: %s", event.Message)
	case engine.EventTypeHostInstalling:
		r.entry(event).Msgf("install command: %s", event.Message)
	case engine.EventTypeHostCleanup:
		r.entry(event).Msgf("cleanup: %s", event.Message)
	case engine.EventTypeHostCompleted:
		r.narrateResult(event)
	case engine.EventTypeRunCompleted:
		r.entry(event).Msg(event.Message)
		if event.Outcome != nil {
			return r.writeSummary(event.Outcome)
		}
	default:
		r.entry(event).Msg(event.Message)
	}
	return nil
}

func (r *RunLog) narrateResult(event *engine.Event) {
	res := event.Result
	if res == nil {
		r.entry(event).Msg(event.Message)
		return
	}

	e := r.entry(event).Str("result", string(res.Kind))
	switch res.Kind {
	case engine.ResultSucceeded:
		e.Msg("exit code 0")
	case engine.ResultInstallFailed:
		e.Msgf("exit code %d", res.ExitCode)
	default:
		e.Msgf("failed: %s", res.Reason())
	}
}

func (r *RunLog) entry(event *engine.Event) *zerolog.Event {
	var e *zerolog.Event
	switch event.Level {
	case "debug":
		e = r.logger.Debug()
	case "warn", "warning":
		e = r.logger.Warn()
	case "error":
		e = r.logger.Error()
	default:
		e = r.logger.Info()
	}
	if event.Host != "" {
		e = e.Str("host", event.Host)
	}
	return e
}

// writeSummary appends the summary block as plain text to every sink.
func (r *RunLog) writeSummary(outcome *engine.RunOutcome) error {
	var sinks []io.Writer
	sinks = append(sinks, r.file)
	if r.console != nil {
		sinks = append(sinks, r.console)
	}
	return report.RenderSummary(io.MultiWriter(sinks...), outcome)
}

// Close flushes and closes the log file. It is safe to call twice.
func (r *RunLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.file.Sync(); err != nil {
		_ = r.file.Close()
		return err
	}
	return r.file.Close()
}
