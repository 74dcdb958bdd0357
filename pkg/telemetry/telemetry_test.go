package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/fleetinstall/pkg/config"
	"github.com/openfroyo/fleetinstall/pkg/engine"
)

func TestFromJobConfig(t *testing.T) {
	cfg := FromJobConfig(config.TelemetryConfig{
		LogLevel:       "debug",
		LogFormat:      "json",
		TraceExporter:  "otlp",
		TraceEndpoint:  "collector:4317",
		MetricsAddress: "127.0.0.1:9464",
	}, "1.2.3")

	if cfg.ServiceVersion != "1.2.3" {
		t.Errorf("ServiceVersion = %q", cfg.ServiceVersion)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" {
		t.Errorf("unexpected tracing config: %+v", cfg.Tracing)
	}
	if cfg.Metrics.ListenAddress != "127.0.0.1:9464" {
		t.Errorf("ListenAddress = %q", cfg.Metrics.ListenAddress)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no service name", func(c *Config) { c.ServiceName = "" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp" }},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetinstall.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.NewComponentLogger("scheduler").WithRunID("run-1").WithHost("web-01").Info("round started")
	logger.Debug("filtered out")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{`"component":"scheduler"`, `"run_id":"run-1"`, `"host":"web-01"`, "round started"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "filtered out") {
		t.Error("debug line should be filtered at info level")
	}
}

func TestLogger_FromContext(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("FromContext should return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext should fall back to a default logger")
	}
}

func TestMetrics_Publish(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "fleetinstall"})
	ctx := context.Background()
	attempt := engine.Attempt{Round: 1, TotalRounds: 2}

	publish := func(e *engine.Event) {
		t.Helper()
		if err := m.Publish(ctx, e); err != nil {
			t.Fatalf("Publish(%s) error = %v", e.Type, err)
		}
	}

	publish(engine.NewEvent("run-1", engine.EventTypeRunStarted, "info", "start"))
	publish(engine.NewEvent("run-1", engine.EventTypeRoundStarted, "info", "round 1").WithHost("", attempt))

	ok := engine.NewEvent("run-1", engine.EventTypeHostCompleted, "info", "succeeded").WithHost("H1", attempt)
	ok.Result = &engine.HostResult{Kind: engine.ResultSucceeded, Duration: 2 * time.Second}
	publish(ok)

	failed := engine.NewEvent("run-1", engine.EventTypeHostCompleted, "error", "exit code 1603").WithHost("H2", attempt)
	failed.Result = &engine.HostResult{
		Kind:       engine.ResultInstallFailed,
		ExitCode:   1603,
		Err:        engine.NewInstallError(1603),
		CleanupErr: io.ErrUnexpectedEOF,
	}
	publish(failed)

	done := engine.NewEvent("run-1", engine.EventTypeRunCompleted, "info", "done")
	done.Outcome = &engine.RunOutcome{
		BatchSize: 4,
		Succeeded: engine.Hosts("H1"),
		Failed:    engine.Hosts("H2"),
		State:     engine.StateExhausted,
	}
	publish(done)

	families := gather(t, m)
	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"fleetinstall_runs_started_total", nil, 1},
		{"fleetinstall_rounds_total", nil, 1},
		{"fleetinstall_host_attempts_total", map[string]string{"kind": "succeeded"}, 1},
		{"fleetinstall_host_attempts_total", map[string]string{"kind": "install_failed"}, 1},
		{"fleetinstall_errors_total", map[string]string{"class": "install"}, 1},
		{"fleetinstall_cleanup_failures_total", nil, 1},
		{"fleetinstall_runs_completed_total", map[string]string{"state": "exhausted"}, 1},
		{"fleetinstall_run_success_ratio", nil, 0.25},
		{"fleetinstall_active_runs", nil, 0},
	}
	for _, c := range checks {
		got, found := value(families[c.name], c.labels)
		if !found {
			t.Errorf("%s%v not found", c.name, c.labels)
			continue
		}
		if got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}

func TestMetrics_Server(t *testing.T) {
	m := NewMetrics(MetricsConfig{Namespace: "fleetinstall", ListenAddress: "127.0.0.1:0"})
	_ = m.Publish(context.Background(), engine.NewEvent("run-1", engine.EventTypeRunStarted, "info", "start"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := m.StartMetricsServer(ctx)
	if err != nil {
		t.Fatalf("StartMetricsServer() error = %v", err)
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "fleetinstall_runs_started_total") {
		t.Errorf("metrics output missing runs_started_total: %s", body)
	}
}

func TestMetrics_ServerDisabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	addr, err := m.StartMetricsServer(context.Background())
	if err != nil || addr != "" {
		t.Errorf("StartMetricsServer() = %q, %v; want no server", addr, err)
	}
}

func TestTracer_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	tracer, err := newTracer(TracingConfig{Exporter: "stdout", SamplingRate: 1}, "fleetinstall", "test", &buf)
	if err != nil {
		t.Fatalf("newTracer() error = %v", err)
	}

	ctx, span := tracer.StartPhaseSpan(context.Background(), "run-1", "discovery")
	if TraceID(ctx) == "" {
		t.Error("expected a trace ID on the span context")
	}
	RecordSuccess(span)
	span.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "fleetinstall.discovery") {
		t.Errorf("exported spans missing fleetinstall.discovery: %s", buf.String())
	}
}

func TestTracer_UnsupportedExporter(t *testing.T) {
	if _, err := NewTracer(TracingConfig{Exporter: "zipkin"}, "fleetinstall", "test"); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestRunLog_Narration(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	var console bytes.Buffer

	rl, err := OpenRunLog(dir, "agent", started, &console)
	if err != nil {
		t.Fatalf("OpenRunLog() error = %v", err)
	}
	if filepath.Base(rl.Path()) != "agent_20260304_050607.log" {
		t.Errorf("Path() = %s", rl.Path())
	}

	ctx := context.Background()
	attempt := engine.Attempt{Round: 1, TotalRounds: 3}
	events := []*engine.Event{
		engine.NewEvent("run-1", engine.EventTypeRoundStarted, "info", "round 1 of 3: 2 hosts").WithHost("", attempt),
		engine.NewEvent("run-1", engine.EventTypeHostStaging, "info", "/srv/agent to C:/Temp/agent").WithHost("H1", attempt),
		engine.NewEvent("run-1", engine.EventTypeHostInstalling, "info", "msiexec /i C:/Temp/agent/agent.msi /qn /norestart").WithHost("H1", attempt),
		engine.NewEvent("run-1", engine.EventTypeHostCleanup, "info", "removed C:/Temp/agent").WithHost("H1", attempt),
	}
	failed := engine.NewEvent("run-1", engine.EventTypeHostCompleted, "error", "exit code 1603").WithHost("H1", attempt)
	failed.Result = &engine.HostResult{Kind: engine.ResultInstallFailed, ExitCode: 1603, Err: engine.NewInstallError(1603)}
	events = append(events, failed)

	unreachable := engine.NewEvent("run-1", engine.EventTypeHostCompleted, "error", "unreachable").WithHost("H2", attempt)
	unreachable.Result = &engine.HostResult{
		Kind: engine.ResultStagingFailed,
		Err:  engine.NewStagingError("failed to copy artifact to host", io.EOF).WithHost("H2"),
	}
	events = append(events, unreachable)

	done := engine.NewEvent("run-1", engine.EventTypeRunCompleted, "info", "run exhausted")
	done.Outcome = &engine.RunOutcome{
		RunID:       "run-1",
		BatchSize:   2,
		Succeeded:   []engine.HostRecord{},
		Failed:      engine.Hosts("H1", "H2"),
		State:       engine.StateExhausted,
		Rounds:      3,
		FailureFile: "/var/log/fleetinstall/failed_hosts_agent_20260304_050607.csv",
	}
	events = append(events, done)

	for _, e := range events {
		if err := rl.Publish(ctx, e); err != nil {
			t.Fatalf("Publish(%s) error = %v", e.Type, err)
		}
	}
	if err := rl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := rl.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(rl.Path())
	if err != nil {
		t.Fatalf("failed to read run log: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		"==== Round 1 of 3 ====",
		"copy started: /srv/agent to C:/Temp/agent",
		"install command: msiexec /i C:/Temp/agent/agent.msi /qn /norestart",
		"cleanup: removed C:/Temp/agent",
		"exit code 1603",
		"failed: [staging]",
		"host=H2",
		"Success:     0% (0 of 2)",
		"Resubmit them with",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("run log missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(console.String(), "exit code 1603") || !strings.Contains(console.String(), "Installation summary") {
		t.Errorf("console did not receive the narration:\n%s", console.String())
	}

	if err := rl.Publish(ctx, events[0]); err == nil {
		t.Error("Publish after Close should fail")
	}
}

func TestRunLog_BadDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenRunLog(file, "agent", time.Now(), nil); err == nil {
		t.Error("expected error when the log directory cannot be created")
	}
}

func TestTelemetry_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "fleetinstall.log")

	previous := log.Logger
	t.Cleanup(func() { log.Logger = previous })

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	ctx := tel.WithContext(context.Background())
	if got, ok := TelemetryFromContext(ctx); !ok || got != tel {
		t.Error("TelemetryFromContext should return the stored instance")
	}
	if FromContext(ctx) != tel.Logger {
		t.Error("WithContext should also store the logger")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func value(mf *dto.MetricFamily, labels map[string]string) (float64, bool) {
	if mf == nil {
		return 0, false
	}
	for _, metric := range mf.GetMetric() {
		if !hasLabels(metric, labels) {
			continue
		}
		switch {
		case metric.GetCounter() != nil:
			return metric.GetCounter().GetValue(), true
		case metric.GetGauge() != nil:
			return metric.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	for k, v := range labels {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
