// Package report turns the final ledger of a run into an auditable outcome:
// a summary block, a re-drivable failure file and, optionally, copies of
// both pushed to object storage.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// FailureFileHeader is the single column header of the failure file.
const FailureFileHeader = "Host"

// TimestampLayout names run logs and failure files.
const TimestampLayout = "20060102_150405"

// Uploader copies a local file to remote storage and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) (string, error)
}

// Exporter builds the RunOutcome and writes the failure file.
type Exporter struct {
	dir      string
	uploader Uploader
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithUploader pushes the failure file (and any extra files passed to
// Export) to remote storage after they are written.
func WithUploader(u Uploader) Option {
	return func(e *Exporter) {
		e.uploader = u
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// NewExporter creates an exporter writing failure files into dir.
func NewExporter(dir string, opts ...Option) *Exporter {
	e := &Exporter{
		dir:    dir,
		now:    time.Now,
		logger: log.Logger.With().Str("component", "report").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is everything Export needs to know about a finished run.
type Request struct {
	// Artifact names the failure file.
	Artifact *engine.Artifact

	// Snapshot is the settled ledger.
	Snapshot engine.LedgerSnapshot

	// BatchSize is the size of the initial batch, skipped hosts included.
	BatchSize int

	// Run is the scheduler's result.
	Run *engine.RunResult

	// Attachments are extra local files uploaded alongside the failure file,
	// such as the run log.
	Attachments []string
}

// Export computes the outcome and, when hosts are left failed, writes them to
// a timestamped CSV that can be fed back as the next batch.
func (e *Exporter) Export(ctx context.Context, req Request) (*engine.RunOutcome, error) {
	pct, err := SuccessPercent(len(req.Snapshot.Succeeded), req.BatchSize)
	if err != nil {
		return nil, err
	}
	if req.Run == nil {
		return nil, engine.NewValidationError("run result is required", nil)
	}

	outcome := &engine.RunOutcome{
		RunID:          req.Run.RunID,
		BatchSize:      req.BatchSize,
		Succeeded:      req.Snapshot.Succeeded,
		Failed:         req.Snapshot.Failed,
		Skipped:        req.Snapshot.Skipped,
		SuccessPercent: pct,
		State:          req.Run.State,
		Rounds:         req.Run.Rounds,
		StartedAt:      req.Run.StartedAt,
		CompletedAt:    req.Run.CompletedAt,
	}

	if len(req.Snapshot.Failed) > 0 {
		name := "run"
		if req.Artifact != nil {
			name = req.Artifact.Name()
		}
		path := filepath.Join(e.dir, FailureFileName(name, e.now()))
		if err := WriteFailureFile(path, req.Snapshot.Failed); err != nil {
			return nil, err
		}
		outcome.FailureFile = path
		e.logger.Info().
			Str("path", path).
			Int("hosts", len(req.Snapshot.Failed)).
			Msg("Failure file written")
	}

	e.upload(ctx, outcome, req.Attachments)
	return outcome, nil
}

// upload is best effort: a storage outage must not lose the local report.
func (e *Exporter) upload(ctx context.Context, outcome *engine.RunOutcome, attachments []string) {
	files := make([]string, 0, len(attachments)+1)
	if outcome.FailureFile != "" {
		files = append(files, outcome.FailureFile)
	}
	files = append(files, attachments...)
	e.Upload(ctx, outcome.RunID, files...)
}

// Upload pushes files under <runID>/ with the configured uploader. Files
// finished after Export, such as a run log closed once the summary is
// written, go through here. Failures are logged, not returned.
func (e *Exporter) Upload(ctx context.Context, runID string, files ...string) int {
	if e.uploader == nil {
		return 0
	}

	uploaded := 0
	for _, f := range files {
		key := fmt.Sprintf("%s/%s", runID, filepath.Base(f))
		loc, err := e.uploader.Upload(ctx, key, f)
		if err != nil {
			e.logger.Warn().Err(err).Str("file", f).Msg("Failed to upload report file")
			continue
		}
		uploaded++
		e.logger.Info().Str("file", f).Str("location", loc).Msg("Report file uploaded")
	}
	return uploaded
}

// SuccessPercent returns round(succeeded*100/batchSize), rounding half away
// from zero. A zero batch is rejected.
func SuccessPercent(succeeded, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, engine.NewValidationError(fmt.Sprintf("batch size must be positive, got %d", batchSize), nil)
	}
	if succeeded < 0 || succeeded > batchSize {
		return 0, engine.NewValidationError(
			fmt.Sprintf("succeeded count %d out of range for batch of %d", succeeded, batchSize), nil)
	}
	return int(math.Round(float64(succeeded) * 100 / float64(batchSize))), nil
}

// FailureFileName returns the failure file name for an artifact at t.
func FailureFileName(artifactName string, t time.Time) string {
	return fmt.Sprintf("failed_hosts_%s_%s.csv", artifactName, t.Format(TimestampLayout))
}

// WriteFailureFile writes one host per record under a "Host" header.
func WriteFailureFile(path string, hosts []engine.HostRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create failure file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{FailureFileHeader}); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write failure file: %w", err)
	}
	for _, h := range hosts {
		if err := w.Write([]string{h.Name}); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write failure file: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush failure file: %w", err)
	}
	return f.Close()
}
