package config

// jobSchema closes the job file format. CUE and JSON job files are unified
// with #Job before decoding, so unknown keys and out-of-range values are
// reported with their file position.
const jobSchema = `
#Job: {
	artifact: {
		path:  string & !=""
		args?: string
	}

	hosts?: {
		list?:        [...string & !=""]
		files?:       [...string & !=""]
		inventory?:   string
		resolve_dns?: bool
		filter?:      string
	}

	execution?: {
		staging_root?:            string & !=""
		retries?:                 int & >=1
		delay_seconds?:           int & >=0
		max_parallel?:            int & >=1
		stage_timeout_seconds?:   int & >=1
		install_timeout_seconds?: int & >=1
		cleanup_timeout_seconds?: int & >=1
	}

	ssh?: {
		user?:                     string
		port?:                     int & >=1 & <=65535
		private_key_path?:         string
		passphrase?:               string
		password?:                 string
		use_agent?:                bool
		known_hosts_path?:         string
		insecure_ignore_host_key?: bool
		connect_timeout_seconds?:  int & >=1
	}

	report?: {
		log_dir?: string
		s3?: {
			bucket?:            string
			prefix?:            string
			region?:            string
			endpoint?:          string
			access_key_id?:     string
			secret_access_key?: string
		}
	}

	policy?: {
		dir?:                string
		allowed_extensions?: [...string]
		disabled?:           bool
	}

	store?: {
		path?:     string
		disabled?: bool
	}

	telemetry?: {
		log_level?:       "trace" | "debug" | "info" | "warn" | "error"
		log_format?:      "console" | "json"
		trace_exporter?:  "none" | "stdout" | "otlp"
		trace_endpoint?:  string
		metrics_address?: string
	}
}
`
