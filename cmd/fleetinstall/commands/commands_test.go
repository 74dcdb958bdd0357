package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fleetinstall/pkg/config"
	"github.com/openfroyo/fleetinstall/pkg/engine"
	"github.com/openfroyo/fleetinstall/pkg/report"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "unknown")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInventoryCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fleet.db")

	_, err := execute(t, "--store", db, "inventory", "add", "web01", "web02", "--label", "role=web", "-l", "env=prod")
	require.NoError(t, err)
	_, err = execute(t, "--store", db, "inventory", "add", "db01", "--label", "role=db")
	require.NoError(t, err)

	out, err := execute(t, "--store", db, "inventory", "list", "--selector", "role=web")
	require.NoError(t, err)
	assert.Contains(t, out, "web01")
	assert.Contains(t, out, "web02")
	assert.Contains(t, out, "env=prod,role=web")
	assert.NotContains(t, out, "db01")

	_, err = execute(t, "--store", db, "inventory", "remove", "web02")
	require.NoError(t, err)

	out, err = execute(t, "--store", db, "inventory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "web01")
	assert.Contains(t, out, "db01")
	assert.NotContains(t, out, "web02")

	_, err = execute(t, "--store", db, "inventory", "remove", "web02")
	assert.Error(t, err)

	_, err = execute(t, "--store", db, "inventory", "add", "web03", "--label", "broken")
	assert.Error(t, err)
}

func TestHistoryEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "fleet.db")

	out, err := execute(t, "--store", db, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded")

	_, err = execute(t, "--store", db, "history", "show", "missing")
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "agent-1.2", "agent.deb")
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o755))
	require.NoError(t, os.WriteFile(artifact, []byte("deb"), 0o644))
	db := filepath.Join(dir, "fleet.db")

	args := []string{
		"--store", db, "validate",
		"-a", artifact,
		"--hosts", "web01,web02,WEB01",
		"--user", "deploy", "--agent", "--insecure-ignore-host-key",
		"--log-dir", filepath.Join(dir, "logs"),
	}

	out, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "agent-1.2")
	assert.Contains(t, out, "web01")
	assert.Contains(t, out, "web02")
	assert.NoDirExists(t, filepath.Join(dir, "logs"))

	out, err = execute(t, append([]string{"--json"}, args...)...)
	require.NoError(t, err)
	var plan struct {
		Artifact  engine.Artifact  `json:"Artifact"`
		Discovery engine.Discovery `json:"Discovery"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.Equal(t, ".deb", plan.Artifact.Extension)
	assert.Len(t, plan.Discovery.Hosts, 2)
}

func TestValidateCommandInvalidJob(t *testing.T) {
	_, err := execute(t, "--store", filepath.Join(t.TempDir(), "fleet.db"), "validate", "--agent")
	require.Error(t, err)
	assert.Equal(t, exitInvalid, ExitCode(err))
}

func TestInstallExampleNamesFailureFile(t *testing.T) {
	name := report.FailureFileName("agent", time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))
	assert.Contains(t, newInstallCommand().Example, "-f logs/"+name)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"incomplete", fmt.Errorf("%w: 1 of 3", errIncomplete), exitIncomplete},
		{"validation", engine.NewValidationError("artifact path is empty", nil), exitInvalid},
		{"config", &config.Error{Errors: []config.ValidationError{{Path: "ssh", Message: "x"}}}, exitInvalid},
		{"other", errors.New("boom"), exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
