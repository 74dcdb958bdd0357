package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		retryBudgetPolicy(),
		nonEmptyBatchPolicy(),
		allowedExtensionsPolicy(),
		hostNamingPolicy(),
	}
}

// retryBudgetPolicy requires at least one round.
func retryBudgetPolicy() Policy {
	return Policy{
		Name:        "retry-budget",
		Description: "Requires a retry budget of at least one round",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"execution"},
		CreatedAt:   time.Now(),
		Rego: `package fleetinstall.preflight.retries

import rego.v1

deny contains violation if {
	input.execution.retries < 1
	violation := {
		"message": sprintf("retries must be at least 1, got %d", [input.execution.retries]),
		"severity": "error",
	}
}

# Several rounds with no delay hammer hosts that are down for a reboot.
deny contains violation if {
	input.execution.retries > 1
	input.execution.delay_seconds == 0
	violation := {
		"message": sprintf("%d rounds with no delay between them", [input.execution.retries]),
		"severity": "warning",
	}
}`,
	}
}

// nonEmptyBatchPolicy refuses a run with nothing to install on.
func nonEmptyBatchPolicy() Policy {
	return Policy{
		Name:        "non-empty-batch",
		Description: "Refuses runs whose batch has no installable host",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"hosts"},
		CreatedAt:   time.Now(),
		Rego: `package fleetinstall.preflight.batch

import rego.v1

deny contains violation if {
	input.batch_size == 0
	violation := {
		"message": "the batch is empty",
		"severity": "error",
	}
}

deny contains violation if {
	input.batch_size > 0
	count(input.hosts) == 0
	violation := {
		"message": sprintf("all %d hosts were skipped during discovery", [input.batch_size]),
		"severity": "error",
	}
}`,
	}
}

// allowedExtensionsPolicy restricts artifact types when a list is configured.
func allowedExtensionsPolicy() Policy {
	return Policy{
		Name:        "allowed-extensions",
		Description: "Restricts the artifact to the configured extensions",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"artifact"},
		CreatedAt:   time.Now(),
		Rego: `package fleetinstall.preflight.artifact

import rego.v1

deny contains violation if {
	count(input.allowed_extensions) > 0
	not input.artifact.extension in input.allowed_extensions
	violation := {
		"message": sprintf("artifact extension %q is not allowed (allowed: %s)", [input.artifact.extension, concat(", ", input.allowed_extensions)]),
		"severity": "error",
	}
}`,
	}
}

// hostNamingPolicy rejects host identifiers the transport cannot dial.
func hostNamingPolicy() Policy {
	return Policy{
		Name:        "host-naming",
		Description: "Rejects host identifiers containing whitespace or shell metacharacters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"hosts", "naming"},
		CreatedAt:   time.Now(),
		Rego: `package fleetinstall.preflight.hosts

import rego.v1

deny contains violation if {
	some host in input.hosts
	not regex.match("^[A-Za-z0-9._:\\[\\]-]+$", host)
	violation := {
		"message": "host identifier must contain only letters, digits, dots, colons, brackets and hyphens",
		"severity": "error",
		"host": host,
	}
}`,
	}
}
