// Package orchestrator runs one installation job end to end: it derives the
// artifact, discovers the batch, checks the preflight policy, drives the
// retry scheduler over the SSH fleet and exports the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/fleetinstall/pkg/config"
	"github.com/openfroyo/fleetinstall/pkg/discovery"
	"github.com/openfroyo/fleetinstall/pkg/engine"
	"github.com/openfroyo/fleetinstall/pkg/policy"
	"github.com/openfroyo/fleetinstall/pkg/report"
	"github.com/openfroyo/fleetinstall/pkg/stores"
	"github.com/openfroyo/fleetinstall/pkg/telemetry"
	"github.com/openfroyo/fleetinstall/pkg/transports/ssh"
)

// Orchestrator wires the job configuration to the engine. Create one per run.
type Orchestrator struct {
	cfg *config.JobConfig

	transport engine.Transport
	store     stores.Store
	ownStore  bool
	uploader  report.Uploader
	resolver  discovery.Resolver
	sleeper   engine.Sleeper

	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
	console io.Writer
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTransport replaces the SSH fleet.
func WithTransport(t engine.Transport) Option {
	return func(o *Orchestrator) {
		o.transport = t
	}
}

// WithStore uses an already open store instead of opening cfg.Store.Path.
// The caller keeps ownership.
func WithStore(s stores.Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithUploader replaces the S3 uploader built from cfg.Report.S3.
func WithUploader(u report.Uploader) Option {
	return func(o *Orchestrator) {
		o.uploader = u
	}
}

// WithResolver sets the resolver used when cfg.Hosts.ResolveDNS is on.
func WithResolver(r discovery.Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = r
	}
}

// WithSleeper replaces the inter-round timer.
func WithSleeper(s engine.Sleeper) Option {
	return func(o *Orchestrator) {
		o.sleeper = s
	}
}

// WithMetrics records run and host metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracer sets the tracer for run, round and host spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithConsole mirrors the run log to w. Pass nil to write the file only.
func WithConsole(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.console = w
	}
}

// WithClock overrides time.Now for run log and failure file names.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator for a validated job configuration.
func New(cfg *config.JobConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		tracer:  otel.Tracer("fleetinstall/orchestrator"),
		logger:  log.Logger.With().Str("component", "orchestrator").Logger(),
		console: os.Stderr,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan is what a run would operate on. Validate returns it without touching
// any host.
type Plan struct {
	Artifact  *engine.Artifact
	Discovery engine.Discovery
	Policy    *policy.Result
}

// Validate derives the artifact, runs discovery and evaluates the preflight
// policy. A denied policy returns both the plan and the error.
func (o *Orchestrator) Validate(ctx context.Context) (*Plan, error) {
	artifact, err := o.artifact()
	if err != nil {
		return nil, err
	}
	if err := o.openStore(ctx); err != nil {
		return nil, err
	}
	defer o.closeStore()

	return o.prepare(ctx, artifact, "validate")
}

// Install runs the job to a terminal state and returns its outcome. Host
// failures are part of the outcome; an error means the run could not start
// or could not be reported.
func (o *Orchestrator) Install(ctx context.Context) (*engine.RunOutcome, error) {
	artifact, err := o.artifact()
	if err != nil {
		return nil, err
	}

	startedAt := o.now()
	runLog, err := telemetry.OpenRunLog(o.cfg.Report.LogDir, artifact.Name(), startedAt, o.console)
	if err != nil {
		return nil, engine.NewValidationError("cannot create the log destination", err)
	}
	defer runLog.Close()

	if err := o.openStore(ctx); err != nil {
		return nil, err
	}
	defer o.closeStore()

	runID := uuid.NewString()
	logger := o.logger.With().Str("run_id", runID).Logger()
	if err := o.createRun(ctx, runID, artifact, startedAt); err != nil {
		return nil, err
	}

	plan, err := o.prepare(ctx, artifact, "install")
	if err != nil {
		o.abortRun(ctx, runID, err)
		return nil, err
	}

	publishers := o.publishers(runLog)

	transport := o.transport
	if transport == nil {
		fleetCfg := ssh.FleetConfigFrom(o.cfg.SSH)
		fleetCfg.Quoting = ssh.QuoteStyleFor(artifact.Extension)
		fleet := ssh.NewFleet(fleetCfg)
		defer fleet.Close()
		transport = fleet
	}

	op := engine.NewHostOperation(transport, engine.OperationConfig{
		StageTimeout:   o.cfg.Execution.StageTimeout(),
		InstallTimeout: o.cfg.Execution.InstallTimeout(),
		CleanupTimeout: o.cfg.Execution.CleanupTimeout(),
	},
		engine.WithOperationPublisher(publishers),
		engine.WithOperationLogger(logger.With().Str("component", "host-operation").Logger()),
	)

	schedOpts := []engine.SchedulerOption{
		engine.WithPublisher(publishers),
		engine.WithTracer(o.tracer),
		engine.WithLogger(logger.With().Str("component", "scheduler").Logger()),
	}
	if o.sleeper != nil {
		schedOpts = append(schedOpts, engine.WithSleeper(o.sleeper))
	}
	scheduler := engine.NewRetryScheduler(op, engine.SchedulerConfig{
		TotalRetries:    o.cfg.Execution.Retries,
		InterRoundDelay: o.cfg.Execution.Delay(),
		MaxParallel:     o.cfg.Execution.MaxParallel,
		StagingRoot:     o.cfg.Execution.StagingRoot,
	}, schedOpts...)

	ledger, err := newLedger(plan.Discovery)
	if err != nil {
		o.abortRun(ctx, runID, err)
		return nil, err
	}

	result, err := scheduler.Run(ctx, runID, artifact, plan.Discovery.Hosts, ledger)
	if err != nil {
		o.abortRun(ctx, runID, err)
		return nil, err
	}

	// Reporting must finish even when the run was interrupted.
	reportCtx := context.WithoutCancel(ctx)

	exporter := o.exporter(reportCtx, logger)
	outcome, err := exporter.Export(reportCtx, report.Request{
		Artifact:  artifact,
		Snapshot:  ledger.Snapshot(),
		BatchSize: plan.Discovery.BatchSize(),
		Run:       result,
	})
	if err != nil {
		o.abortRun(reportCtx, runID, err)
		return nil, err
	}

	completed := engine.NewEvent(runID, engine.EventTypeRunCompleted, levelOf(outcome.State),
		fmt.Sprintf("run %s after %d rounds: %d of %d hosts succeeded",
			outcome.State, outcome.Rounds, len(outcome.Succeeded), outcome.BatchSize))
	completed.Outcome = outcome
	if err := publishers.Publish(reportCtx, completed); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run completion")
	}

	if err := runLog.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close run log")
	}
	exporter.Upload(reportCtx, runID, runLog.Path())

	logger.Info().
		Str("state", string(outcome.State)).
		Int("success_percent", outcome.SuccessPercent).
		Str("failure_file", outcome.FailureFile).
		Str("run_log", runLog.Path()).
		Msg("Run complete")

	return outcome, nil
}

func (o *Orchestrator) artifact() (*engine.Artifact, error) {
	return engine.NewArtifact(o.cfg.Artifact.Path, engine.ParseInstallArgs(o.cfg.Artifact.Args))
}

// prepare runs discovery and the policy gate.
func (o *Orchestrator) prepare(ctx context.Context, artifact *engine.Artifact, operation string) (*Plan, error) {
	ctx, span := o.tracer.Start(ctx, "fleetinstall.prepare",
		trace.WithAttributes(attribute.String("operation", operation)))
	defer span.End()

	discoverer, err := o.discoverer()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	found, err := discoverer.Discover(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, engine.NewValidationError("host discovery failed", err)
	}
	span.SetAttributes(
		attribute.Int("batch.hosts", len(found.Hosts)),
		attribute.Int("batch.skipped", len(found.Skipped)),
	)

	plan := &Plan{Artifact: artifact, Discovery: found}

	if !o.cfg.Policy.Disabled {
		gate, err := policy.NewEngine(o.logger.With().Str("component", "policy").Logger())
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if o.cfg.Policy.Dir != "" {
			if err := gate.LoadDir(ctx, o.cfg.Policy.Dir); err != nil {
				telemetry.RecordError(span, err)
				return nil, engine.NewValidationError("cannot load policies", err)
			}
		}

		input := policy.NewInput(artifact, policy.ExecutionInput{
			Retries:      o.cfg.Execution.Retries,
			DelaySeconds: o.cfg.Execution.DelaySeconds,
			MaxParallel:  o.cfg.Execution.MaxParallel,
			StagingRoot:  o.cfg.Execution.StagingRoot,
		}, found, o.cfg.Policy.AllowedExtensions)
		input.Context.Operation = operation
		input.Context.User = operatorName()

		res, err := gate.Check(ctx, input)
		plan.Policy = res
		if err != nil {
			telemetry.RecordError(span, err)
			return plan, err
		}
	}

	// The policy gate may be disabled; the engine still needs someone to install on.
	if len(found.Hosts) == 0 {
		err := engine.NewValidationError(
			fmt.Sprintf("no hosts to install on (%d skipped)", len(found.Skipped)), nil)
		telemetry.RecordError(span, err)
		return plan, err
	}

	telemetry.RecordSuccess(span)
	return plan, nil
}

// discoverer builds the sources in the order list, files, inventory.
func (o *Orchestrator) discoverer() (*discovery.Discoverer, error) {
	hosts := o.cfg.Hosts
	var sources []discovery.Source

	if len(hosts.List) > 0 {
		sources = append(sources, discovery.NewStaticSource(hosts.List...))
	}
	for _, f := range hosts.Files {
		sources = append(sources, discovery.NewFileSource(f))
	}
	if hosts.Inventory != "" {
		if o.store == nil {
			return nil, engine.NewValidationError("the inventory host source needs the store", nil)
		}
		labels := map[string]string{}
		if hosts.Inventory != "*" {
			var err error
			if labels, err = discovery.ParseLabels(hosts.Inventory); err != nil {
				return nil, engine.NewValidationError("invalid inventory selector", err)
			}
		}
		sources = append(sources, discovery.NewInventorySource(o.store, labels))
	}

	opts := []discovery.Option{
		discovery.WithLogger(o.logger.With().Str("component", "discovery").Logger()),
	}
	if hosts.ResolveDNS {
		if o.resolver != nil {
			opts = append(opts, discovery.WithResolver(o.resolver))
		} else {
			opts = append(opts, discovery.WithDNSCheck())
		}
	}
	if hosts.Filter != "" {
		script, err := os.ReadFile(hosts.Filter)
		if err != nil {
			return nil, engine.NewValidationError("cannot read host filter", err)
		}
		filter, err := discovery.NewStarlarkFilter(hosts.Filter, string(script), 0)
		if err != nil {
			return nil, engine.NewValidationError("invalid host filter", err)
		}
		opts = append(opts, discovery.WithFilter(filter))
	}

	return discovery.New(sources, opts...), nil
}

// publishers fans run events out to the run log, the store and metrics.
// Store writes outlive cancellation so an interrupted run is still recorded.
func (o *Orchestrator) publishers(runLog *telemetry.RunLog) engine.Publishers {
	pubs := engine.Publishers{runLog}
	if o.store != nil {
		pubs = append(pubs, detached{stores.NewRunRecorder(o.store)})
	}
	if o.metrics != nil {
		pubs = append(pubs, o.metrics)
	}
	return pubs
}

func (o *Orchestrator) exporter(ctx context.Context, logger zerolog.Logger) *report.Exporter {
	opts := []report.Option{
		report.WithClock(o.now),
		report.WithLogger(logger.With().Str("component", "report").Logger()),
	}

	uploader := o.uploader
	if uploader == nil && o.cfg.Report.S3.Enabled() {
		s3, err := report.NewS3Uploader(ctx, o.cfg.Report.S3)
		if err != nil {
			logger.Warn().Err(err).Msg("S3 uploads disabled")
		} else {
			uploader = s3
		}
	}
	if uploader != nil {
		opts = append(opts, report.WithUploader(uploader))
	}
	return report.NewExporter(o.cfg.Report.LogDir, opts...)
}

func (o *Orchestrator) openStore(ctx context.Context) error {
	if o.store != nil || o.cfg.Store.Disabled {
		return nil
	}
	store, err := stores.Open(ctx, stores.Config{Path: o.cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	o.store = store
	o.ownStore = true
	return nil
}

func (o *Orchestrator) closeStore() {
	if !o.ownStore {
		return
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to close store")
	}
	o.store = nil
	o.ownStore = false
}

func (o *Orchestrator) createRun(ctx context.Context, runID string, artifact *engine.Artifact, startedAt time.Time) error {
	if o.store == nil {
		return nil
	}
	err := o.store.CreateRun(ctx, &stores.Run{
		ID:           runID,
		Artifact:     artifact.FileName,
		ArtifactPath: artifact.SourcePath,
		Args:         artifact.Args.String(),
		StagingRoot:  o.cfg.Execution.StagingRoot,
		Retries:      o.cfg.Execution.Retries,
		DelaySeconds: o.cfg.Execution.DelaySeconds,
		Status:       stores.RunStatusRunning,
		StartedAt:    startedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (o *Orchestrator) abortRun(ctx context.Context, runID string, cause error) {
	if o.store == nil {
		return
	}
	if err := o.store.AbortRun(context.WithoutCancel(ctx), runID, cause.Error()); err != nil {
		o.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to mark run aborted")
	}
}

// newLedger seeds the ledger with the batch order and the discovery skips.
func newLedger(d engine.Discovery) (*engine.Ledger, error) {
	batch := make([]engine.HostRecord, 0, d.BatchSize())
	batch = append(batch, d.Hosts...)
	for _, s := range d.Skipped {
		batch = append(batch, s.Host)
	}

	ledger := engine.NewLedger(batch...)
	for _, s := range d.Skipped {
		if err := ledger.Skip(s.Host, s.Reason); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

func levelOf(state engine.SchedulerState) string {
	if state == engine.StateSucceeded {
		return "info"
	}
	return "warning"
}

func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

// detached publishes with a context that is never cancelled.
type detached struct {
	engine.EventPublisher
}

func (d detached) Publish(ctx context.Context, event *engine.Event) error {
	return d.EventPublisher.Publish(context.WithoutCancel(ctx), event)
}
