package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetinstall/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past runs",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID,
					r.Artifact,
					string(r.Status),
					fmt.Sprintf("%d/%d", r.Succeeded, r.BatchSize),
					strconv.Itoa(r.SuccessPercent) + "%",
					strconv.Itoa(r.Rounds),
					r.StartedAt.Local().Format(time.DateTime),
				})
			}
			return printTable(out, []string{"RUN", "ARTIFACT", "STATUS", "SUCCEEDED", "%", "ROUNDS", "STARTED"}, rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and every host attempt it made",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			attempts, err := store.ListAttempts(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, struct {
					Run      *stores.Run           `json:"run"`
					Attempts []*stores.HostAttempt `json:"attempts"`
				}{run, attempts})
			}

			fmt.Fprintf(out, "Run:      %s\n", run.ID)
			fmt.Fprintf(out, "Artifact: %s (%s)\n", run.Artifact, run.ArtifactPath)
			fmt.Fprintf(out, "Args:     %s\n", run.Args)
			fmt.Fprintf(out, "Status:   %s after %d of %d round(s)\n", run.Status, run.Rounds, run.Retries)
			fmt.Fprintf(out, "Hosts:    %d succeeded, %d failed, %d skipped of %d (%d%%)\n",
				run.Succeeded, run.Failed, run.Skipped, run.BatchSize, run.SuccessPercent)
			if run.FailureFile != nil {
				fmt.Fprintf(out, "Failures: %s\n", *run.FailureFile)
			}
			if run.Error != nil {
				fmt.Fprintf(out, "Error:    %s\n", *run.Error)
			}
			if len(attempts) == 0 {
				return nil
			}
			fmt.Fprintln(out)

			rows := make([][]string, 0, len(attempts))
			for _, a := range attempts {
				exit := "-"
				if a.ExitCode != nil {
					exit = strconv.Itoa(*a.ExitCode)
				}
				reason := ""
				if a.Reason != nil {
					reason = *a.Reason
				}
				rows = append(rows, []string{
					strconv.Itoa(a.Round),
					a.Host,
					string(a.Kind),
					exit,
					(time.Duration(a.DurationMS) * time.Millisecond).String(),
					reason,
				})
			}
			return printTable(out, []string{"ROUND", "HOST", "RESULT", "EXIT", "DURATION", "REASON"}, rows)
		},
	}
}
