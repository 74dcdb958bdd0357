package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetinstall/pkg/engine"
	"github.com/openfroyo/fleetinstall/pkg/orchestrator"
	"github.com/openfroyo/fleetinstall/pkg/telemetry"
)

func newInstallCommand() *cobra.Command {
	flags := &jobFlags{}

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the artifact on every host of the batch",
		Long: `Install stages the artifact folder on each host, runs the installer and
removes the staged folder. Hosts that fail are retried in the next round
until they succeed or the retry budget runs out.

The exit status is 0 when every host succeeded, 2 when hosts were left
failed and 3 when the job could not start.`,
		Example: `  # Install a Debian package on two hosts, three rounds
  fleetinstall install -a ./agent-1.2/agent.deb --hosts web01,web02 -r 3

  # Retry the hosts that failed last time
  fleetinstall install -c job.yaml -f logs/failed_hosts_agent_20260314_092653.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runInstall(cmd *cobra.Command, flags *jobFlags) error {
	ctx := cmd.Context()

	cfg, err := loadJob(cmd, flags)
	if err != nil {
		return err
	}

	tel, err := telemetry.NewTelemetry(telemetry.FromJobConfig(cfg.Telemetry, buildVersion))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	if addr, err := tel.StartMetricsServer(ctx); err != nil {
		log.Warn().Err(err).Msg("Metrics server not started")
	} else if addr != "" {
		log.Info().Str("address", addr).Msg("Serving metrics")
	}

	orch := orchestrator.New(cfg,
		orchestrator.WithMetrics(tel.Metrics),
		orchestrator.WithTracer(tel.Tracer.Tracer()),
		orchestrator.WithLogger(tel.Logger.Zerolog()),
	)

	outcome, err := orch.Install(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := printJSON(out, outcome); err != nil {
			return err
		}
	} else {
		printOutcome(out, outcome)
	}

	if outcome.State != engine.StateSucceeded {
		return fmt.Errorf("%w: %d of %d", errIncomplete, len(outcome.Failed), outcome.BatchSize)
	}
	return nil
}

func printOutcome(w io.Writer, o *engine.RunOutcome) {
	fmt.Fprintf(w, "\nRun %s %s after %d round(s)\n", o.RunID, o.State, o.Rounds)
	fmt.Fprintf(w, "  Succeeded: %d of %d (%d%%)\n", len(o.Succeeded), o.BatchSize, o.SuccessPercent)
	if len(o.Failed) > 0 {
		fmt.Fprintf(w, "  Failed:    %s\n", strings.Join(engine.HostNames(o.Failed), ", "))
	}
	if len(o.Skipped) > 0 {
		fmt.Fprintf(w, "  Skipped:   %d\n", len(o.Skipped))
	}
	if o.FailureFile != "" {
		fmt.Fprintf(w, "  Failure file: %s\n", o.FailureFile)
	}
}
