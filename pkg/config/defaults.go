package config

import (
	"os"
	"path/filepath"
)

// Default values.
const (
	DefaultRetries               = 3
	DefaultMaxParallel           = 10
	DefaultStagingRoot           = "/tmp/fleetinstall"
	DefaultSSHPort               = 22
	DefaultStageTimeoutSeconds   = 600
	DefaultInstallTimeoutSeconds = 1800
	DefaultCleanupTimeoutSeconds = 120
	DefaultConnectTimeoutSeconds = 30
)

// Default returns a job configuration with every default applied. The
// artifact and the host sources have no defaults.
func Default() *JobConfig {
	return &JobConfig{
		Execution: ExecutionConfig{
			StagingRoot:           DefaultStagingRoot,
			Retries:               DefaultRetries,
			DelaySeconds:          0,
			MaxParallel:           DefaultMaxParallel,
			StageTimeoutSeconds:   DefaultStageTimeoutSeconds,
			InstallTimeoutSeconds: DefaultInstallTimeoutSeconds,
			CleanupTimeoutSeconds: DefaultCleanupTimeoutSeconds,
		},
		SSH: SSHConfig{
			User:                  currentUser(),
			Port:                  DefaultSSHPort,
			KnownHostsPath:        homePath(".ssh", "known_hosts"),
			ConnectTimeoutSeconds: DefaultConnectTimeoutSeconds,
		},
		Report: ReportConfig{
			LogDir: "logs",
		},
		Store: StoreConfig{
			Path: homePath(".fleetinstall", "fleetinstall.db"),
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
		},
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("USERNAME")
}

func homePath(elem ...string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(elem...)
	}
	return filepath.Join(append([]string{home}, elem...)...)
}
