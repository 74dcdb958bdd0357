package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel is the default number of hosts processed concurrently
// within a round.
const DefaultMaxParallel = 10

// SchedulerConfig configures a RetryScheduler.
type SchedulerConfig struct {
	// TotalRetries is the retry budget: the maximum number of rounds. Must be >= 1.
	TotalRetries int

	// InterRoundDelay is the wait between rounds. Zero means no wait at all.
	InterRoundDelay time.Duration

	// MaxParallel bounds the workers of a round. 1 processes hosts sequentially.
	MaxParallel int

	// StagingRoot is the remote folder the artifact folder is copied into.
	StagingRoot string
}

// Validate checks the configuration.
func (c SchedulerConfig) Validate() error {
	if c.TotalRetries < 1 {
		return NewValidationError(fmt.Sprintf("retry budget must be at least 1, got %d", c.TotalRetries), nil)
	}
	if c.InterRoundDelay < 0 {
		return NewValidationError("inter-round delay cannot be negative", nil)
	}
	if c.StagingRoot == "" {
		return NewValidationError("staging root is required", nil)
	}
	return nil
}

// RunResult is what the scheduler hands back at termination.
type RunResult struct {
	RunID string `json:"run_id"`

	// State is the terminal state.
	State SchedulerState `json:"state"`

	// Rounds is the number of rounds executed.
	Rounds int `json:"rounds"`

	// Remaining is the unused retry budget.
	Remaining int `json:"remaining"`

	// Final is the working set at termination: the hosts left failed.
	Final []HostRecord `json:"final"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// RetryScheduler drives rounds of an Operation over a shrinking working set.
// Round 1 covers the whole batch; every later round covers only the hosts
// that failed the round before.
type RetryScheduler struct {
	op        Operation
	cfg       SchedulerConfig
	publisher EventPublisher
	sleeper   Sleeper
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// SchedulerOption configures a RetryScheduler.
type SchedulerOption func(*RetryScheduler)

// WithPublisher sets the event publisher.
func WithPublisher(p EventPublisher) SchedulerOption {
	return func(s *RetryScheduler) {
		s.publisher = p
	}
}

// WithSleeper replaces the inter-round timer.
func WithSleeper(sl Sleeper) SchedulerOption {
	return func(s *RetryScheduler) {
		s.sleeper = sl
	}
}

// WithTracer sets the tracer used for run, round and host spans.
func WithTracer(t trace.Tracer) SchedulerOption {
	return func(s *RetryScheduler) {
		s.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *RetryScheduler) {
		s.logger = logger
	}
}

// NewRetryScheduler creates a new retry scheduler.
func NewRetryScheduler(op Operation, cfg SchedulerConfig, opts ...SchedulerOption) *RetryScheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}

	s := &RetryScheduler{
		op:      op,
		cfg:     cfg,
		sleeper: timerSleeper{},
		tracer:  otel.Tracer("fleetinstall/engine"),
		logger:  log.Logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the batch to a terminal state and settles the ledger. Host
// failures never surface as errors; an error means the run could not be
// driven at all (bad configuration or a broken ledger invariant).
func (s *RetryScheduler) Run(
	ctx context.Context,
	runID string,
	artifact *Artifact,
	batch []HostRecord,
	ledger *Ledger,
) (*RunResult, error) {
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, NewValidationError("artifact is required", nil)
	}
	if ledger == nil {
		return nil, NewValidationError("ledger is required", nil)
	}

	ctx, span := s.tracer.Start(ctx, "fleetinstall.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("artifact", artifact.FileName),
			attribute.Int("batch.hosts", len(batch)),
			attribute.Int("retries.total", s.cfg.TotalRetries),
		),
	)
	defer span.End()

	res := &RunResult{
		RunID:     runID,
		State:     StateRunning,
		Remaining: s.cfg.TotalRetries,
		StartedAt: time.Now(),
	}

	s.publish(ctx, NewEvent(runID, EventTypeRunStarted, "info",
		fmt.Sprintf("installing %s on %d hosts, %d rounds at most", artifact.FileName, len(batch), s.cfg.TotalRetries)))

	working := make([]HostRecord, len(batch))
	copy(working, batch)

	var final []HostRecord
	for res.State == StateRunning {
		if len(working) == 0 {
			res.State = StateSucceeded
			break
		}
		if ctx.Err() != nil {
			res.State = StateInterrupted
			final = working
			break
		}

		attempt := Attempt{
			Round:       DisplayRound(s.cfg.TotalRetries, res.Remaining),
			TotalRounds: s.cfg.TotalRetries,
		}

		unstarted, err := s.runRound(ctx, runID, attempt, artifact, working, ledger)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		res.Rounds++

		failures := ledger.DrainFailures()
		if len(unstarted) > 0 {
			failures = orderLike(working, failures, unstarted)
		}

		s.publish(ctx, NewEvent(runID, EventTypeRoundCompleted, "info",
			fmt.Sprintf("round %d finished with %d failures", attempt.Round, len(failures))).
			WithHost("", attempt).
			WithDetail("failed", len(failures)).
			WithDetail("attempted", len(working)-len(unstarted)))

		if len(failures) == 0 {
			res.State = StateSucceeded
			break
		}

		res.Remaining--
		switch {
		case len(unstarted) > 0 || ctx.Err() != nil:
			res.State = StateInterrupted
			final = failures
		case res.Remaining == 0:
			res.State = StateExhausted
			final = failures
		default:
			working = failures
			if err := s.delay(ctx, runID, attempt); err != nil {
				res.State = StateInterrupted
				final = working
			}
		}
	}

	if err := ledger.Settle(final); err != nil {
		span.RecordError(err)
		return nil, err
	}

	res.Final = final
	res.CompletedAt = time.Now()

	span.SetAttributes(
		attribute.String("run.state", string(res.State)),
		attribute.Int("run.rounds", res.Rounds),
		attribute.Int("run.failed", len(final)),
	)
	if res.State == StateSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(res.State))
	}

	s.logger.Info().
		Str("run_id", runID).
		Str("state", string(res.State)).
		Int("rounds", res.Rounds).
		Int("failed", len(final)).
		Msg("Run finished")

	return res, nil
}

// runRound executes the operation once for every host of the working set on
// a bounded pool. Hosts never started because ctx was cancelled are returned.
func (s *RetryScheduler) runRound(
	ctx context.Context,
	runID string,
	attempt Attempt,
	artifact *Artifact,
	working []HostRecord,
	ledger *Ledger,
) ([]HostRecord, error) {
	ctx, span := s.tracer.Start(ctx, "fleetinstall.round",
		trace.WithAttributes(
			attribute.Int("round", attempt.Round),
			attribute.Int("round.hosts", len(working)),
		),
	)
	defer span.End()

	s.publish(ctx, NewEvent(runID, EventTypeRoundStarted, "info",
		fmt.Sprintf("round %d of %d: %d hosts", attempt.Round, attempt.TotalRounds, len(working))).
		WithHost("", attempt))

	var (
		mu        sync.Mutex
		unstarted []HostRecord
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxParallel)

	for _, host := range working {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				unstarted = append(unstarted, host)
				mu.Unlock()
				return nil
			}
			return s.runHost(ctx, runID, attempt, artifact, host, ledger)
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return unstarted, nil
}

func (s *RetryScheduler) runHost(
	ctx context.Context,
	runID string,
	attempt Attempt,
	artifact *Artifact,
	host HostRecord,
	ledger *Ledger,
) error {
	ctx, span := s.tracer.Start(ctx, "fleetinstall.host",
		trace.WithAttributes(
			attribute.String("host", host.Name),
			attribute.Int("round", attempt.Round),
		),
	)
	defer span.End()

	// A started host runs to completion under its step timeouts. Cancelling
	// ctx only keeps new hosts and rounds from starting.
	hostCtx := WithRun(context.WithoutCancel(ctx), runID, attempt)
	result := s.op.Execute(hostCtx, host, artifact, s.cfg.StagingRoot)
	if result == nil {
		return NewPermanentError("operation returned no result", nil).WithHost(host.Name)
	}
	result.Host = host
	result.Attempt = attempt

	span.SetAttributes(attribute.String("result", string(result.Kind)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Kind))
	}

	if err := ledger.Record(result); err != nil {
		return err
	}

	level := "info"
	msg := "succeeded"
	if result.Kind.IsFailure() {
		level = "error"
		msg = result.Reason()
	}
	event := NewEvent(runID, EventTypeHostCompleted, level, msg).WithHost(host.Name, attempt)
	event.Result = result
	s.publish(hostCtx, event)
	return nil
}

// delay waits between rounds. A zero delay returns at once without touching
// the sleeper.
func (s *RetryScheduler) delay(ctx context.Context, runID string, attempt Attempt) error {
	if s.cfg.InterRoundDelay <= 0 {
		return nil
	}
	s.publish(ctx, NewEvent(runID, EventTypeDelay, "info",
		fmt.Sprintf("waiting %s before round %d", s.cfg.InterRoundDelay, attempt.Round+1)).
		WithHost("", attempt))
	return s.sleeper.Sleep(ctx, s.cfg.InterRoundDelay)
}

func (s *RetryScheduler) publish(ctx context.Context, event *Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}

// orderLike merges a and b and returns them in the order of reference.
func orderLike(reference []HostRecord, a, b []HostRecord) []HostRecord {
	in := make(map[string]struct{}, len(a)+len(b))
	for _, h := range a {
		in[h.Name] = struct{}{}
	}
	for _, h := range b {
		in[h.Name] = struct{}{}
	}
	out := make([]HostRecord, 0, len(in))
	for _, h := range reference {
		if _, ok := in[h.Name]; ok {
			out = append(out, h)
		}
	}
	return out
}
