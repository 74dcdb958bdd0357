// Package config loads and validates fleetinstall job files.
//
// # Overview
//
// A job file describes one installation run: the artifact, the host sources,
// the retry budget and the transport settings. Three formats are accepted,
// chosen by file extension:
//
//   - .yaml / .yml: decoded with gopkg.in/yaml.v3, unknown keys rejected
//   - .cue / .json: compiled with CUE and unified with the built-in #Job schema
//
// In every format the file is layered on top of Default(), so a minimal job
// only names the artifact, a host source and an SSH credential.
//
// # Validation
//
// Validation is a separate step so command line flags can override file
// values first. Loader.Validate checks the struct tags (go-playground
// validator) and the rules spanning several fields, and reports every problem
// at once in an *Error.
//
// # Usage Example
//
//	loader, err := config.NewLoader()
//	if err != nil {
//	    return err
//	}
//	cfg, err := loader.Load("job.yaml")
//	if err != nil {
//	    return err
//	}
//	cfg.Execution.Retries = 5
//	if err := loader.Validate(cfg); err != nil {
//	    return err
//	}
//
// A minimal YAML job:
//
//	artifact:
//	  path: ./dist/agent/agent.msi
//	hosts:
//	  files: [hosts.csv]
//	execution:
//	  retries: 3
//	  delay_seconds: 60
//	ssh:
//	  user: deploy
//	  private_key_path: ~/.ssh/id_ed25519
//
// The same job in CUE:
//
//	artifact: path: "./dist/agent/agent.msi"
//	hosts: files: ["hosts.csv"]
//	execution: {
//	    retries:       3
//	    delay_seconds: 60
//	}
//	ssh: {
//	    user:             "deploy"
//	    private_key_path: "~/.ssh/id_ed25519"
//	}
package config
