package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetinstall/pkg/orchestrator"
)

func newValidateCommand() *cobra.Command {
	flags := &jobFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a job without touching any host",
		Long: `Validate loads the job, derives the artifact, discovers the batch and
evaluates the preflight policies. Nothing is copied or run.`,
		Example: `  fleetinstall validate -c job.yaml
  fleetinstall validate -a ./setup/agent.msi --hosts win01,win02 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runValidate(cmd *cobra.Command, flags *jobFlags) error {
	cfg, err := loadJob(cmd, flags)
	if err != nil {
		return err
	}

	plan, err := orchestrator.New(cfg).Validate(cmd.Context())
	if plan == nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if jerr := printJSON(out, plan); jerr != nil {
			return jerr
		}
		return err
	}

	if perr := printPlan(out, plan); perr != nil {
		return perr
	}
	return err
}

func printPlan(w io.Writer, plan *orchestrator.Plan) error {
	a := plan.Artifact
	fmt.Fprintf(w, "Artifact:  %s\n", a.SourcePath)
	fmt.Fprintf(w, "Staged as: %s\n", a.FolderName)
	fmt.Fprintf(w, "Arguments: %s\n", a.Args)
	fmt.Fprintf(w, "Batch:     %d host(s), %d to attempt, %d skipped\n\n",
		plan.Discovery.BatchSize(), len(plan.Discovery.Hosts), len(plan.Discovery.Skipped))

	rows := make([][]string, 0, plan.Discovery.BatchSize())
	for _, h := range plan.Discovery.Hosts {
		rows = append(rows, []string{h.Name, "attempt", ""})
	}
	for _, s := range plan.Discovery.Skipped {
		rows = append(rows, []string{s.Host.Name, "skip", s.Reason})
	}
	if len(rows) > 0 {
		if err := printTable(w, []string{"HOST", "ACTION", "REASON"}, rows); err != nil {
			return err
		}
	}

	if plan.Policy == nil {
		return nil
	}
	fmt.Fprintf(w, "\nPolicies evaluated: %d\n", len(plan.Policy.EvaluatedPolicies))
	for _, v := range plan.Policy.Violations {
		fmt.Fprintf(w, "  DENY  %s\n", v.String())
	}
	for _, v := range plan.Policy.Warnings {
		fmt.Fprintf(w, "  WARN  %s\n", v.String())
	}
	if plan.Policy.Allowed {
		fmt.Fprintln(w, "Result: allowed")
	} else {
		fmt.Fprintln(w, "Result: denied")
	}
	return nil
}
