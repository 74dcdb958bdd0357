package policy

import (
	"strings"
	"time"

	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the run.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the run.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Host is the offending host, if the violation names one.
	Host string `json:"host,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Host != "" {
		return v.Policy + ": " + v.Host + ": " + v.Message
	}
	return v.Policy + ": " + v.Message
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed indicates if the run may start.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err converts a denied result into a validation error. It returns nil when
// the run is allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.String())
	}
	return engine.NewValidationError("preflight policy denied the run: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", len(r.Violations))
}

// Input is the document policies are evaluated against. It is exposed to
// Rego as input.
type Input struct {
	Artifact          ArtifactInput  `json:"artifact"`
	Execution         ExecutionInput `json:"execution"`
	Hosts             []string       `json:"hosts"`
	Skipped           []string       `json:"skipped"`
	BatchSize         int            `json:"batch_size"`
	AllowedExtensions []string       `json:"allowed_extensions"`
	Context           Context        `json:"context"`
}

// ArtifactInput describes the artifact.
type ArtifactInput struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Extension string `json:"extension"`
	Args      string `json:"args"`
}

// ExecutionInput describes the retry settings.
type ExecutionInput struct {
	Retries      int    `json:"retries"`
	DelaySeconds int    `json:"delay_seconds"`
	MaxParallel  int    `json:"max_parallel"`
	StagingRoot  string `json:"staging_root"`
}

// Context provides information about the invocation.
type Context struct {
	// User is the operator starting the run.
	User string `json:"user,omitempty"`

	// Operation is "install" or "validate".
	Operation string `json:"operation"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for a run request. Slices are never nil
// so Rego sees empty arrays rather than null.
func NewInput(artifact *engine.Artifact, exec ExecutionInput, d engine.Discovery, allowedExtensions []string) *Input {
	in := &Input{
		Execution:         exec,
		Hosts:             engine.HostNames(d.Hosts),
		Skipped:           make([]string, 0, len(d.Skipped)),
		BatchSize:         d.BatchSize(),
		AllowedExtensions: make([]string, 0, len(allowedExtensions)),
		Context:           Context{Operation: "install", Timestamp: time.Now()},
	}
	for _, s := range d.Skipped {
		in.Skipped = append(in.Skipped, s.Host.Name)
	}
	for _, ext := range allowedExtensions {
		in.AllowedExtensions = append(in.AllowedExtensions, strings.ToLower(ext))
	}
	if artifact != nil {
		in.Artifact = ArtifactInput{
			Path:      artifact.SourcePath,
			Name:      artifact.Name(),
			Extension: artifact.Extension,
			Args:      artifact.Args.String(),
		}
	}
	return in
}
