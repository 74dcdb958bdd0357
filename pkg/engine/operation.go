package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default step timeouts.
const (
	DefaultStageTimeout   = 10 * time.Minute
	DefaultInstallTimeout = 30 * time.Minute
	DefaultCleanupTimeout = 2 * time.Minute
)

// OperationConfig configures a HostOperation.
type OperationConfig struct {
	// StageTimeout bounds the copy of the artifact folder.
	StageTimeout time.Duration

	// InstallTimeout bounds the remote install command.
	InstallTimeout time.Duration

	// CleanupTimeout bounds the removal of the staged folder.
	CleanupTimeout time.Duration

	// Installers maps extensions to platform installers.
	Installers InstallerTable
}

// HostOperation implements Operation over a Transport.
type HostOperation struct {
	transport Transport
	cfg       OperationConfig
	publisher EventPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// OperationOption configures a HostOperation.
type OperationOption func(*HostOperation)

// WithOperationPublisher sets the publisher for per-step events.
func WithOperationPublisher(p EventPublisher) OperationOption {
	return func(o *HostOperation) {
		o.publisher = p
	}
}

// WithOperationLogger sets the logger.
func WithOperationLogger(logger zerolog.Logger) OperationOption {
	return func(o *HostOperation) {
		o.logger = logger
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) OperationOption {
	return func(o *HostOperation) {
		o.now = now
	}
}

// NewHostOperation creates a host operation. Zero timeouts fall back to the
// defaults and a nil installer table to DefaultInstallers.
func NewHostOperation(transport Transport, cfg OperationConfig, opts ...OperationOption) *HostOperation {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = DefaultInstallTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if cfg.Installers == nil {
		cfg.Installers = DefaultInstallers()
	}

	o := &HostOperation{
		transport: transport,
		cfg:       cfg,
		logger:    log.Logger.With().Str("component", "host-operation").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute stages the artifact, runs the installer and removes the staged
// folder. Every failure is classified on the returned result.
func (o *HostOperation) Execute(
	ctx context.Context,
	host HostRecord,
	artifact *Artifact,
	stagingRoot string,
) *HostResult {
	runID, attempt := RunFromContext(ctx)
	result := &HostResult{
		Host:      host,
		Attempt:   attempt,
		StartedAt: o.now(),
	}
	logger := o.logger.With().
		Str("host", host.Name).
		Int("round", attempt.Round).
		Logger()

	stagedFolder := artifact.StagedFolder(stagingRoot)

	// Stage
	o.publish(ctx, runID, host, attempt, EventTypeHostStaging, "info",
		fmt.Sprintf("copying %s to %s", artifact.FolderPath, stagedFolder))
	logger.Debug().Str("dest", stagedFolder).Msg("Staging artifact")

	stageCtx, cancelStage := context.WithTimeout(ctx, o.cfg.StageTimeout)
	err := o.transport.CopyTree(stageCtx, host, artifact.FolderPath, stagedFolder)
	stageErr := stageCtx.Err()
	cancelStage()

	if err != nil {
		if stageErr != nil {
			// The copy did not fail on its own: it ran out of time or was
			// cancelled, which may leave a partial folder behind.
			result.Kind = ResultExecutionFailed
			result.Err = NewExecutionError("staging did not complete in time", joinCause(err, stageErr)).
				WithHost(host.Name).
				WithOperation(OpStage)
			o.cleanup(ctx, runID, host, attempt, stagedFolder, result, logger)
			return o.finish(result)
		}
		result.Kind = ResultStagingFailed
		result.Err = NewStagingError("failed to copy artifact to host", err).WithHost(host.Name)
		logger.Warn().Err(err).Msg("Staging failed")
		return o.finish(result)
	}

	// Install
	command, args := o.cfg.Installers.Resolve(artifact, artifact.StagedExecutable(stagingRoot))
	result.Command = CommandLine(command, args)
	o.publish(ctx, runID, host, attempt, EventTypeHostInstalling, "info", result.Command)
	logger.Debug().Str("command", result.Command).Msg("Invoking installer")

	installCtx, cancelInstall := context.WithTimeout(ctx, o.cfg.InstallTimeout)
	exitCode, err := o.transport.RemoteInvoke(installCtx, host, command, args)
	installErr := installCtx.Err()
	cancelInstall()

	switch {
	case err != nil:
		result.Kind = ResultExecutionFailed
		result.Err = NewExecutionError("remote execution failed", joinCause(err, installErr)).
			WithHost(host.Name).
			WithOperation(OpInstall)
		logger.Warn().Err(err).Msg("Remote execution failed")
	case exitCode != 0:
		result.Kind = ResultInstallFailed
		result.ExitCode = exitCode
		result.Err = NewInstallError(exitCode).WithHost(host.Name)
		logger.Warn().Int("exit_code", exitCode).Msg("Installer failed")
	default:
		result.Kind = ResultSucceeded
		logger.Debug().Msg("Installer succeeded")
	}

	o.cleanup(ctx, runID, host, attempt, stagedFolder, result, logger)
	return o.finish(result)
}

// cleanup removes the staged folder. It runs even when ctx is cancelled and
// its error is attached to the result without reclassifying it.
func (o *HostOperation) cleanup(
	ctx context.Context,
	runID string,
	host HostRecord,
	attempt Attempt,
	stagedFolder string,
	result *HostResult,
	logger zerolog.Logger,
) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()

	if err := o.transport.RemoteDelete(cleanupCtx, host, stagedFolder); err != nil {
		result.CleanupErr = err
		logger.Warn().Err(err).Str("path", stagedFolder).Msg("Cleanup failed")
		o.publish(cleanupCtx, runID, host, attempt, EventTypeHostCleanup, "warning",
			fmt.Sprintf("failed to remove %s: %v", stagedFolder, err))
		return
	}
	o.publish(cleanupCtx, runID, host, attempt, EventTypeHostCleanup, "info",
		fmt.Sprintf("removed %s", stagedFolder))
}

func (o *HostOperation) finish(result *HostResult) *HostResult {
	result.CompletedAt = o.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	return result
}

func (o *HostOperation) publish(
	ctx context.Context,
	runID string,
	host HostRecord,
	attempt Attempt,
	eventType EventType,
	level, message string,
) {
	if o.publisher == nil {
		return
	}
	event := NewEvent(runID, eventType, level, message).WithHost(host.Name, attempt)
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

// joinCause makes sure a context error is visible in the error chain even
// when the transport reported something else.
func joinCause(err, ctxErr error) error {
	if ctxErr == nil || errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %w", ctxErr, err)
}
