package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// HostRecord identifies one remote host. It carries no mutable state.
type HostRecord struct {
	// Name is the hostname or address, optionally with a ":port" suffix.
	Name string `json:"name"`
}

// String returns the host name.
func (h HostRecord) String() string {
	return h.Name
}

// Hosts builds host records from plain names.
func Hosts(names ...string) []HostRecord {
	hosts := make([]HostRecord, 0, len(names))
	for _, n := range names {
		hosts = append(hosts, HostRecord{Name: n})
	}
	return hosts
}

// HostNames returns the names of the given hosts, in order.
func HostNames(hosts []HostRecord) []string {
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.Name)
	}
	return names
}

// InstallArgs holds the optional arguments passed to the installer.
// Set is false when the operator gave no arguments, which selects the
// installer's default silent arguments.
type InstallArgs struct {
	Value string `json:"value,omitempty"`
	Set   bool   `json:"set"`
}

// NoInstallArgs is the literal accepted on the command line for "no args".
const NoInstallArgs = "none"

// ParseInstallArgs maps raw operator input to InstallArgs. An empty string
// or the literal "none" (any case) means unset.
func ParseInstallArgs(raw string) InstallArgs {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, NoInstallArgs) {
		return InstallArgs{}
	}
	return InstallArgs{Value: trimmed, Set: true}
}

// Words splits the explicit arguments the way the target shell would, so a
// quoted value with blanks stays one argument. Windows artifacts follow the
// Windows command line rules, where a backslash is literal unless it
// precedes a quote; everything else follows sh word splitting.
func (a InstallArgs) Words(windows bool) ([]string, error) {
	if !a.Set {
		return nil, nil
	}
	if windows {
		return splitWindowsArgs(a.Value)
	}

	p := shellwords.NewParser()
	words, err := p.Parse(a.Value)
	if err != nil {
		return nil, fmt.Errorf("cannot split %q: %w", a.Value, err)
	}
	// The parser stops at an unquoted ; & | < or >.
	if p.Position >= 0 {
		return nil, fmt.Errorf("cannot split %q: shell operator at offset %d", a.Value, p.Position)
	}
	return words, nil
}

func splitWindowsArgs(s string) ([]string, error) {
	var (
		args    []string
		word    strings.Builder
		inWord  bool
		quoted  bool
		slashes int
	)
	flush := func() {
		word.WriteString(strings.Repeat(`\`, slashes))
		slashes = 0
	}

	for _, r := range s {
		switch {
		case r == '\\':
			slashes++
			inWord = true
		case r == '"':
			// 2n backslashes and a quote: n backslashes, the quote delimits.
			// 2n+1: n backslashes and a literal quote.
			word.WriteString(strings.Repeat(`\`, slashes/2))
			if slashes%2 == 1 {
				word.WriteRune('"')
			} else {
				quoted = !quoted
			}
			slashes = 0
			inWord = true
		case (r == ' ' || r == '\t') && !quoted:
			flush()
			if inWord {
				args = append(args, word.String())
				word.Reset()
				inWord = false
			}
		default:
			flush()
			word.WriteRune(r)
			inWord = true
		}
	}
	flush()

	if quoted {
		return nil, fmt.Errorf("cannot split %q: unterminated quote", s)
	}
	if inWord {
		args = append(args, word.String())
	}
	return args, nil
}

// windowsExtensions are the artifacts run by a Windows host.
var windowsExtensions = map[string]bool{
	".msi": true, ".msp": true, ".exe": true, ".bat": true, ".cmd": true, ".ps1": true,
}

// IsWindowsExtension reports whether an artifact with the given extension
// runs on Windows.
func IsWindowsExtension(ext string) bool {
	return windowsExtensions[strings.ToLower(ext)]
}

// String returns the arguments, or "none" when unset.
func (a InstallArgs) String() string {
	if !a.Set {
		return NoInstallArgs
	}
	return a.Value
}

// Attempt locates a host operation within a run.
type Attempt struct {
	// Round is the 1-based round number.
	Round int `json:"round"`

	// TotalRounds is the retry budget of the run.
	TotalRounds int `json:"total_rounds"`
}

// DisplayRound returns the round number shown to operators for a budget of
// total retries with remaining retries left. It is always at least 1.
func DisplayRound(total, remaining int) int {
	round := (total - remaining) + 1
	if round < 1 {
		return 1
	}
	return round
}

// ResultKind tags the outcome of one host operation.
type ResultKind string

const (
	// ResultSucceeded means the artifact was staged and installed with exit code 0.
	ResultSucceeded ResultKind = "succeeded"

	// ResultStagingFailed means the copy to the host did not complete.
	ResultStagingFailed ResultKind = "staging_failed"

	// ResultInstallFailed means the installer exited non-zero.
	ResultInstallFailed ResultKind = "install_failed"

	// ResultExecutionFailed means the remote execution channel faulted.
	ResultExecutionFailed ResultKind = "execution_failed"
)

// IsFailure returns true for every kind except ResultSucceeded.
func (k ResultKind) IsFailure() bool {
	return k != ResultSucceeded
}

// HostResult is the outcome of one stage/install/cleanup cycle on one host.
type HostResult struct {
	// Host is the host the operation ran against.
	Host HostRecord `json:"host"`

	// Attempt is the round this result belongs to.
	Attempt Attempt `json:"attempt"`

	// Kind classifies the outcome.
	Kind ResultKind `json:"kind"`

	// ExitCode is the installer's exit code, when it ran.
	ExitCode int `json:"exit_code"`

	// Command is the remote command line that was issued, if any.
	Command string `json:"command,omitempty"`

	// Err is the classified failure; nil on success.
	Err *EngineError `json:"error,omitempty"`

	// CleanupErr is the cleanup failure, if any. It never changes Kind.
	CleanupErr error `json:"-"`

	// StartedAt is when the operation started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the operation completed.
	CompletedAt time.Time `json:"completed_at"`

	// Duration is the total time spent on the host.
	Duration time.Duration `json:"duration"`
}

// Reason returns a one-line description of the failure, or "" on success.
func (r *HostResult) Reason() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// SkippedHost is a host that discovery excluded from the run.
type SkippedHost struct {
	Host   HostRecord `json:"host"`
	Reason string     `json:"reason"`
}

// Discovery is the output of a host source: the hosts to attempt, in order,
// and the hosts that were found but excluded.
type Discovery struct {
	Hosts   []HostRecord  `json:"hosts"`
	Skipped []SkippedHost `json:"skipped,omitempty"`
}

// BatchSize is the number of hosts discovery accounted for.
func (d Discovery) BatchSize() int {
	return len(d.Hosts) + len(d.Skipped)
}

// RunOutcome is the final, auditable result of a run.
type RunOutcome struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// BatchSize is the number of hosts in the initial batch, skipped included.
	BatchSize int `json:"batch_size"`

	// Succeeded lists the hosts that installed successfully.
	Succeeded []HostRecord `json:"succeeded"`

	// Failed lists the hosts that still failed at termination.
	Failed []HostRecord `json:"failed"`

	// Skipped lists the hosts excluded by discovery.
	Skipped []SkippedHost `json:"skipped"`

	// SuccessPercent is round(succeeded*100/batchSize), half away from zero.
	SuccessPercent int `json:"success_percent"`

	// State is the scheduler's terminal state.
	State SchedulerState `json:"state"`

	// Rounds is the number of rounds executed.
	Rounds int `json:"rounds"`

	// FailureFile is the path of the exported failure CSV, if one was written.
	FailureFile string `json:"failure_file,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completed_at"`
}
