// Package policy is the preflight gate of an installation run.
//
// Before any host is touched, the run request (artifact, retry settings and
// the discovered batch) is evaluated with Open Policy Agent. Each policy is a
// Rego module defining a deny set; an entry is either a message string or an
// object:
//
//	{"message": "...", "severity": "error" | "warning", "host": "web-01"}
//
// Entries with severity error or critical deny the run. Warnings are logged
// and the run proceeds.
//
// # Built-in Policies
//
//   - retry-budget: retries must be at least 1; warns on several rounds with
//     no delay between them
//   - non-empty-batch: the batch must contain at least one installable host
//   - allowed-extensions: when an allow list is configured, the artifact
//     extension must be on it
//   - host-naming: host identifiers must be dialable names or addresses
//
// # Custom Policies
//
// Extra policies are the .rego files of one directory, each named after
// its file:
//
//	package acme.freeze
//
//	import rego.v1
//
//	# No installs during the Friday change freeze.
//	deny contains msg if {
//	    time.weekday(time.now_ns()) == "Friday"
//	    msg := "change freeze in effect"
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadDir(ctx, "/etc/fleetinstall/policies"); err != nil {
//	    return err
//	}
//	input := policy.NewInput(artifact, policy.ExecutionInput{Retries: 3}, discovery, nil)
//	if _, err := eng.Check(ctx, input); err != nil {
//	    return err // engine.IsValidation(err) is true
//	}
package policy
