// Package telemetry provides the observability of fleetinstall runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus), plus the operator-facing run log.
//
// # Usage
//
//	cfg := telemetry.FromJobConfig(job.Telemetry, version)
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("orchestrator").WithRunID(runID)
//	logger.Info("Discovery finished")
//
// The engine takes a zerolog.Logger by injection; pass tel.Logger.Zerolog().
//
// # Tracing
//
// The scheduler opens run, round and host spans on the tracer passed with
// engine.WithTracer(tel.Tracer.Tracer()). Exporters: none, stdout, otlp
// (gRPC).
//
// # Metrics
//
// Metrics implements engine.EventPublisher and derives every series from
// the run timeline:
//
//	fleetinstall_runs_started_total
//	fleetinstall_runs_completed_total{state}
//	fleetinstall_rounds_total
//	fleetinstall_host_attempts_total{kind}
//	fleetinstall_host_attempt_duration_seconds{kind}
//	fleetinstall_errors_total{class}
//	fleetinstall_cleanup_failures_total
//	fleetinstall_run_success_ratio
//
// They are served on /metrics for the duration of the run when a listen
// address is configured.
//
// # Run Log
//
// RunLog narrates each round into <log-dir>/<artifact>_<timestamp>.log and,
// optionally, the console: copy start, install command, exit code or failure
// reason, cleanup, and the final summary block.
package telemetry
