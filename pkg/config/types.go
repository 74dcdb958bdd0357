package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/fleetinstall/pkg/report"
)

// JobConfig is the complete description of one installation run.
type JobConfig struct {
	// Artifact is the package or executable to install.
	Artifact ArtifactConfig `json:"artifact" yaml:"artifact"`

	// Hosts selects the batch.
	Hosts HostsConfig `json:"hosts" yaml:"hosts"`

	// Execution tunes rounds, parallelism and timeouts.
	Execution ExecutionConfig `json:"execution" yaml:"execution"`

	// SSH configures the remote transport.
	SSH SSHConfig `json:"ssh" yaml:"ssh"`

	// Report configures the run log and failure file destination.
	Report ReportConfig `json:"report" yaml:"report"`

	// Policy configures the preflight policy gate.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Store configures run history and inventory persistence.
	Store StoreConfig `json:"store" yaml:"store"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// ArtifactConfig identifies the artifact.
type ArtifactConfig struct {
	// Path is the local path of the installer or executable.
	Path string `json:"path" yaml:"path" validate:"required"`

	// Args are the installer arguments. Empty or "none" selects the
	// installer's silent defaults.
	Args string `json:"args,omitempty" yaml:"args,omitempty"`
}

// HostsConfig lists the host sources. They are consulted in the order
// list, files, inventory.
type HostsConfig struct {
	// List is a static list of hosts.
	List []string `json:"list,omitempty" yaml:"list,omitempty" validate:"dive,required"`

	// Files are host files: a CSV with a Host column or one host per line.
	Files []string `json:"files,omitempty" yaml:"files,omitempty" validate:"dive,required"`

	// Inventory is a label selector ("k=v,k2=v2") over the inventory.
	// The literal "*" selects every inventory host.
	Inventory string `json:"inventory,omitempty" yaml:"inventory,omitempty"`

	// ResolveDNS skips hosts whose name does not resolve.
	ResolveDNS bool `json:"resolve_dns,omitempty" yaml:"resolve_dns,omitempty"`

	// Filter is the path of a Starlark script defining include(host).
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// HasSource reports whether at least one host source is configured.
func (h HostsConfig) HasSource() bool {
	return len(h.List) > 0 || len(h.Files) > 0 || h.Inventory != ""
}

// ExecutionConfig tunes the retry rounds.
type ExecutionConfig struct {
	// StagingRoot is the folder on each host the artifact folder is copied into.
	StagingRoot string `json:"staging_root" yaml:"staging_root" validate:"required"`

	// Retries is the retry budget: the maximum number of rounds.
	Retries int `json:"retries" yaml:"retries" validate:"min=1,max=1000"`

	// DelaySeconds is the wait between rounds. 0 means none.
	DelaySeconds int `json:"delay_seconds" yaml:"delay_seconds" validate:"min=0"`

	// MaxParallel bounds the hosts processed at once within a round.
	MaxParallel int `json:"max_parallel" yaml:"max_parallel" validate:"min=1,max=1024"`

	// StageTimeoutSeconds bounds the copy to one host.
	StageTimeoutSeconds int `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds" validate:"min=1"`

	// InstallTimeoutSeconds bounds the installer on one host.
	InstallTimeoutSeconds int `json:"install_timeout_seconds" yaml:"install_timeout_seconds" validate:"min=1"`

	// CleanupTimeoutSeconds bounds the removal of the staged folder.
	CleanupTimeoutSeconds int `json:"cleanup_timeout_seconds" yaml:"cleanup_timeout_seconds" validate:"min=1"`
}

// Delay returns the inter-round delay.
func (e ExecutionConfig) Delay() time.Duration {
	return time.Duration(e.DelaySeconds) * time.Second
}

// StageTimeout returns the staging timeout.
func (e ExecutionConfig) StageTimeout() time.Duration {
	return time.Duration(e.StageTimeoutSeconds) * time.Second
}

// InstallTimeout returns the install timeout.
func (e ExecutionConfig) InstallTimeout() time.Duration {
	return time.Duration(e.InstallTimeoutSeconds) * time.Second
}

// CleanupTimeout returns the cleanup timeout.
func (e ExecutionConfig) CleanupTimeout() time.Duration {
	return time.Duration(e.CleanupTimeoutSeconds) * time.Second
}

// SSHConfig configures the SSH transport shared by every host.
type SSHConfig struct {
	User                  string `json:"user" yaml:"user" validate:"required"`
	Port                  int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	PrivateKeyPath        string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	Passphrase            string `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	Password              string `json:"password,omitempty" yaml:"password,omitempty"`
	UseAgent              bool   `json:"use_agent,omitempty" yaml:"use_agent,omitempty"`
	KnownHostsPath        string `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	InsecureIgnoreHostKey bool   `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds" validate:"min=1"`
}

// HasAuth reports whether at least one authentication method is configured.
func (s SSHConfig) HasAuth() bool {
	return s.PrivateKeyPath != "" || s.Password != "" || s.UseAgent
}

// ReportConfig configures where run artifacts go.
type ReportConfig struct {
	// LogDir receives the run log and the failure file.
	LogDir string `json:"log_dir" yaml:"log_dir" validate:"required"`

	// S3 optionally mirrors both files to object storage.
	S3 report.S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// PolicyConfig configures the preflight policy gate.
type PolicyConfig struct {
	// Dir holds extra .rego policies evaluated after the built-in ones.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// AllowedExtensions restricts artifact extensions. Empty allows any.
	AllowedExtensions []string `json:"allowed_extensions,omitempty" yaml:"allowed_extensions,omitempty"`

	// Disabled turns the gate off.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file.
	Path string `json:"path" yaml:"path"`

	// Disabled runs without history.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	LogLevel  string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat string `json:"log_format" yaml:"log_format" validate:"oneof=console json"`

	// TraceExporter is one of none, stdout or otlp.
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	TraceEndpoint string `json:"trace_endpoint,omitempty" yaml:"trace_endpoint,omitempty"`

	// MetricsAddress serves /metrics for the duration of the run when set.
	MetricsAddress string `json:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "execution.retries").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String renders the error with its location.
func (v ValidationError) String() string {
	var loc string
	switch {
	case v.File != "" && v.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", v.File, v.Line, v.Column)
	case v.File != "":
		loc = v.File + ": "
	}
	if v.Path != "" {
		return fmt.Sprintf("%s%s: %s", loc, v.Path, v.Message)
	}
	return loc + v.Message
}

// Error is returned when a configuration fails to load or validate.
type Error struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, v.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
