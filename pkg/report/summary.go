package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// RenderSummary writes the human-readable summary block of a run.
func RenderSummary(w io.Writer, outcome *engine.RunOutcome) error {
	var b strings.Builder

	fmt.Fprintf(&b, "==== Installation summary ====\n")
	fmt.Fprintf(&b, "Run:         %s\n", outcome.RunID)
	fmt.Fprintf(&b, "State:       %s after %d round(s)\n", outcome.State, outcome.Rounds)
	fmt.Fprintf(&b, "Success:     %d%% (%d of %d)\n",
		outcome.SuccessPercent, len(outcome.Succeeded), outcome.BatchSize)

	writeHosts(&b, "Succeeded", engine.HostNames(outcome.Succeeded))
	writeHosts(&b, "Errors", engine.HostNames(outcome.Failed))

	fmt.Fprintf(&b, "Skipped (%d):\n", len(outcome.Skipped))
	for _, s := range outcome.Skipped {
		fmt.Fprintf(&b, "  - %s (%s)\n", s.Host.Name, s.Reason)
	}

	if outcome.FailureFile != "" {
		fmt.Fprintf(&b, "Failed hosts written to %s\n", outcome.FailureFile)
		fmt.Fprintf(&b, "Resubmit them with: fleetinstall install --hosts-file %s\n", outcome.FailureFile)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeHosts(b *strings.Builder, title string, hosts []string) {
	fmt.Fprintf(b, "%s (%d):\n", title, len(hosts))
	for _, h := range hosts {
		fmt.Fprintf(b, "  - %s\n", h)
	}
}

// RenderJSON writes the outcome as indented JSON.
func RenderJSON(w io.Writer, outcome *engine.RunOutcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}
