package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh/knownhosts"
)

func connectTestClient(t *testing.T, config *Config) *SSHClient {
	t.Helper()

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestNewSSHClientInvalidConfig(t *testing.T) {
	config := DefaultConfig("", "testuser")
	if _, err := NewSSHClient(config); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server.passwordConfig(t))

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// A second Connect on a live connection is a no-op.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
	if got := server.conns.Load(); got != 1 {
		t.Errorf("expected 1 server connection, got %d", got)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
	// Disconnecting twice is harmless.
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect failed: %v", err)
	}
}

func TestSSHClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.passwordConfig(t)
	config.Password = "wrong"

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication to fail")
	}
	if !IsAuthError(err) {
		t.Errorf("expected an auth error, got %v", err)
	}
	if IsTemporary(err) {
		t.Error("auth errors must not be temporary")
	}
}

func TestSSHClientConnectRefused(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.passwordConfig(t)
	server.close()

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if !IsTemporary(err) {
		t.Errorf("expected a temporary error, got %v", err)
	}
}

func TestSSHClientKeyAuth(t *testing.T) {
	server := newTestSSHServer(t)
	config := server.passwordConfig(t)
	config.AuthMethod = AuthMethodKey
	config.Password = ""
	config.PrivateKeyPath = writeTestKey(t, t.TempDir())

	client := connectTestClient(t, config)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
}

func TestSSHClientKnownHosts(t *testing.T) {
	server := newTestSSHServer(t)
	dir := t.TempDir()

	knownHostsPath := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(server.addr)}, server.hostKey)
	if err := os.WriteFile(knownHostsPath, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}

	config := server.passwordConfig(t)
	config.StrictHostKeyChecking = true
	config.KnownHostsPath = knownHostsPath
	connectTestClient(t, config)

	otherKey, _, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	mismatchPath := filepath.Join(dir, "known_hosts_other")
	line = knownhosts.Line([]string{knownhosts.Normalize(server.addr)}, otherKey)
	if err := os.WriteFile(mismatchPath, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}

	config = server.passwordConfig(t)
	config.StrictHostKeyChecking = true
	config.KnownHostsPath = mismatchPath
	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err == nil {
		client.Disconnect()
		t.Fatal("expected a host key mismatch")
	}
}

func TestSSHClientExecute(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server.passwordConfig(t))

	tests := []struct {
		name       string
		cmd        string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{name: "success", cmd: "true", wantCode: 0},
		{name: "stdout", cmd: "echo hello", wantCode: 0, wantStdout: "hello"},
		{name: "non-zero exit", cmd: "exit 1", wantCode: 1, wantStderr: "failed"},
		{name: "msi reboot required", cmd: "exit 3010", wantCode: 3010, wantStderr: "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Execute(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if result.ExitCode != tt.wantCode {
				t.Errorf("expected exit code %d, got %d", tt.wantCode, result.ExitCode)
			}
			if result.Stdout != tt.wantStdout {
				t.Errorf("expected stdout %q, got %q", tt.wantStdout, result.Stdout)
			}
			if result.Stderr != tt.wantStderr {
				t.Errorf("expected stderr %q, got %q", tt.wantStderr, result.Stderr)
			}
			if result.Duration < 0 || result.FinishedAt.Before(result.StartedAt) {
				t.Error("expected consistent timing")
			}
		})
	}

	commands := server.executed()
	if len(commands) != len(tests) {
		t.Errorf("expected %d commands on the server, got %d", len(tests), len(commands))
	}
}

func TestSSHClientExecuteCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server.passwordConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Execute(ctx, "sleep 60")
	if err == nil {
		t.Fatal("expected an error from a cancelled command")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancellation took too long: %v", time.Since(start))
	}
	if !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// A command still writing output when ctx ends must not race the read of
// its buffers.
func TestSSHClientExecuteCancelledWhileWriting(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server.passwordConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := client.Execute(ctx, "chatty")
	if err == nil {
		t.Fatal("expected an error from a cancelled command")
	}
	if !strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if result == nil {
		t.Fatal("expected a partial result")
	}
	if !strings.Contains(result.Stdout, "tick") {
		t.Errorf("expected the output written before cancellation, got %q", result.Stdout)
	}

	// The session is gone; the connection still serves commands.
	next, err := client.Execute(context.Background(), "echo again")
	if err != nil {
		t.Fatalf("Execute after cancellation failed: %v", err)
	}
	if next.Stdout != "again" {
		t.Errorf("expected stdout %q, got %q", "again", next.Stdout)
	}
}

func TestSSHClientExecuteNotConnected(t *testing.T) {
	server := newTestSSHServer(t)
	client, err := NewSSHClient(server.passwordConfig(t))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if _, err := client.Execute(context.Background(), "true"); err == nil {
		t.Fatal("expected an error before Connect")
	}
}

func TestSSHClientCopyTree(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server.passwordConfig(t))

	local := t.TempDir()
	writeFile(t, filepath.Join(local, "agent.msi"), "installer payload")
	writeFile(t, filepath.Join(local, "cab", "data1.cab"), "cabinet")

	ctx := context.Background()
	result, err := client.CopyTree(ctx, local, "/staging/agent")
	if err != nil {
		t.Fatalf("CopyTree failed: %v", err)
	}
	if result.Files != 2 {
		t.Errorf("expected 2 files, got %d", result.Files)
	}
	if result.BytesTransferred != int64(len("installer payload")+len("cabinet")) {
		t.Errorf("unexpected byte count %d", result.BytesTransferred)
	}

	if got := readRemote(t, client, "/staging/agent/agent.msi"); got != "installer payload" {
		t.Errorf("unexpected remote content %q", got)
	}
	if got := readRemote(t, client, "/staging/agent/cab/data1.cab"); got != "cabinet" {
		t.Errorf("unexpected remote content %q", got)
	}

	// A second copy over the same destination replaces the files.
	writeFile(t, filepath.Join(local, "agent.msi"), "a newer and longer installer payload")
	if _, err := client.CopyTree(ctx, local, "/staging/agent"); err != nil {
		t.Fatalf("second CopyTree failed: %v", err)
	}
	if got := readRemote(t, client, "/staging/agent/agent.msi"); got != "a newer and longer installer payload" {
		t.Errorf("file was not replaced, got %q", got)
	}
}

func TestSSHClientCopyTreeMissingSource(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server.passwordConfig(t))

	_, err := client.CopyTree(context.Background(), filepath.Join(t.TempDir(), "missing"), "/staging/x")
	if err == nil {
		t.Fatal("expected an error for a missing source directory")
	}
}

func TestSSHClientRemoveAll(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectTestClient(t, server.passwordConfig(t))

	local := t.TempDir()
	writeFile(t, filepath.Join(local, "agent.deb"), "deb")
	writeFile(t, filepath.Join(local, "docs", "README"), "readme")

	ctx := context.Background()
	if _, err := client.CopyTree(ctx, local, "/staging/agent"); err != nil {
		t.Fatalf("CopyTree failed: %v", err)
	}
	if err := client.RemoveAll(ctx, "/staging/agent"); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	sftpClient, err := client.createSFTPClient()
	if err != nil {
		t.Fatalf("failed to open sftp: %v", err)
	}
	defer sftpClient.Close()
	if _, err := sftpClient.Stat("/staging/agent"); err == nil {
		t.Error("expected the staged folder to be gone")
	}

	// Removing what is already gone succeeds.
	if err := client.RemoveAll(ctx, "/staging/agent"); err != nil {
		t.Errorf("RemoveAll of a missing path failed: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func readRemote(t *testing.T, client *SSHClient, path string) string {
	t.Helper()

	sftpClient, err := client.createSFTPClient()
	if err != nil {
		t.Fatalf("failed to open sftp: %v", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	if _, err := f.WriteTo(&sb); err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return sb.String()
}
