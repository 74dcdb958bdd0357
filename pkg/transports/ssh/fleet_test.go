package ssh

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/fleetinstall/pkg/config"
	"github.com/openfroyo/fleetinstall/pkg/engine"
)

func newTestFleet(t *testing.T, quoting QuoteStyle) *Fleet {
	t.Helper()
	fleet := NewFleet(FleetConfig{
		User:                  "testuser",
		Password:              "testpass",
		InsecureIgnoreHostKey: true,
		ConnectTimeout:        5 * time.Second,
		Quoting:               quoting,
	})
	t.Cleanup(func() { fleet.Close() })
	return fleet
}

func TestFleetInstallCycle(t *testing.T) {
	server := newTestSSHServer(t)
	fleet := newTestFleet(t, QuoteWindows)
	host := engine.HostRecord{Name: server.addr}
	ctx := context.Background()

	local := t.TempDir()
	writeFile(t, filepath.Join(local, "agent.msi"), "payload")

	if err := fleet.CopyTree(ctx, host, local, "/staging/agent"); err != nil {
		t.Fatalf("CopyTree failed: %v", err)
	}

	code, err := fleet.RemoteInvoke(ctx, host, "msiexec.exe", []string{"/i", `C:\staging\agent\agent.msi`, "/qn"})
	if err != nil {
		t.Fatalf("RemoteInvoke failed: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}

	commands := server.executed()
	if len(commands) != 1 || commands[0] != `msiexec.exe /i C:\staging\agent\agent.msi /qn` {
		t.Errorf("unexpected commands %q", commands)
	}

	if err := fleet.RemoteDelete(ctx, host, "/staging/agent"); err != nil {
		t.Fatalf("RemoteDelete failed: %v", err)
	}

	// Every call of the cycle shares one connection.
	if got := server.conns.Load(); got != 1 {
		t.Errorf("expected 1 connection, got %d", got)
	}
}

func TestFleetRemoteInvokeExitCode(t *testing.T) {
	server := newTestSSHServer(t)
	server.exec = func(cmd string) (string, string, uint32) {
		return "", "dpkg: error processing archive", 1
	}
	fleet := newTestFleet(t, QuotePOSIX)

	code, err := fleet.RemoteInvoke(context.Background(), engine.HostRecord{Name: server.addr}, "dpkg", []string{"-i", "/tmp/fleetinstall/agent/agent.deb"})
	if err != nil {
		t.Fatalf("a non-zero exit must not be an error: %v", err)
	}
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestFleetReconnectAfterClose(t *testing.T) {
	server := newTestSSHServer(t)
	fleet := newTestFleet(t, QuotePOSIX)
	host := engine.HostRecord{Name: server.addr}
	ctx := context.Background()

	if _, err := fleet.RemoteInvoke(ctx, host, "true", nil); err != nil {
		t.Fatalf("RemoteInvoke failed: %v", err)
	}
	if err := fleet.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := fleet.RemoteInvoke(ctx, host, "true", nil); err != nil {
		t.Fatalf("RemoteInvoke after Close failed: %v", err)
	}
	if got := server.conns.Load(); got != 2 {
		t.Errorf("expected 2 connections, got %d", got)
	}
}

func TestFleetAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)
	fleet := NewFleet(FleetConfig{
		User:                  "testuser",
		Password:              "wrong",
		InsecureIgnoreHostKey: true,
		ConnectTimeout:        5 * time.Second,
	})
	defer fleet.Close()

	dials := 0
	dial := fleet.dial
	fleet.dial = func(ctx context.Context, cfg *Config) (Transport, error) {
		dials++
		return dial(ctx, cfg)
	}
	host := engine.HostRecord{Name: server.addr}

	err := fleet.CopyTree(context.Background(), host, t.TempDir(), "/staging/x")
	if err == nil {
		t.Fatal("expected an auth failure")
	}
	if !IsAuthError(err) {
		t.Errorf("expected an auth error, got %v", err)
	}

	// Later steps and rounds fail fast without another handshake.
	if _, err := fleet.RemoteInvoke(context.Background(), host, "true", nil); !IsAuthError(err) {
		t.Errorf("expected the cached auth error, got %v", err)
	}
	if dials != 1 {
		t.Errorf("expected 1 dial, got %d", dials)
	}
}

func TestFleetInvalidHostConfig(t *testing.T) {
	fleet := NewFleet(FleetConfig{
		User:           "testuser",
		PrivateKeyPath: filepath.Join(t.TempDir(), "missing_key"),
	})
	defer fleet.Close()

	_, err := fleet.RemoteInvoke(context.Background(), engine.HostRecord{Name: "web01"}, "true", nil)
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	if IsAuthError(err) {
		t.Errorf("a bad client config is not an auth error: %v", err)
	}
	if IsTemporary(err) {
		t.Errorf("a bad client config is not temporary: %v", err)
	}
}

// stubConn is a Transport whose health is scripted.
type stubConn struct {
	healthy      bool
	disconnected bool
}

func (s *stubConn) Connect(ctx context.Context) error { return nil }

func (s *stubConn) Disconnect() error {
	s.disconnected = true
	return nil
}

func (s *stubConn) HealthCheck(ctx context.Context) error {
	if !s.healthy {
		return &TransportError{Op: "healthcheck", Err: errors.New("connection lost"), IsTemporary: true}
	}
	return nil
}

func (s *stubConn) Execute(ctx context.Context, cmd string) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (s *stubConn) CopyTree(ctx context.Context, localDir, remoteDir string) (*FileTransferResult, error) {
	return &FileTransferResult{}, nil
}

func (s *stubConn) RemoveAll(ctx context.Context, remotePath string) error { return nil }

func TestFleetRedialsDeadConnection(t *testing.T) {
	fleet := newTestFleet(t, QuotePOSIX)
	var conns []*stubConn
	fleet.dial = func(ctx context.Context, cfg *Config) (Transport, error) {
		if cfg.Host != "web01" || cfg.Port != 2222 {
			t.Errorf("dialed %s:%d, want web01:2222", cfg.Host, cfg.Port)
		}
		c := &stubConn{healthy: true}
		conns = append(conns, c)
		return c, nil
	}
	host := engine.HostRecord{Name: "web01:2222"}
	ctx := context.Background()

	if _, err := fleet.RemoteInvoke(ctx, host, "true", nil); err != nil {
		t.Fatalf("RemoteInvoke failed: %v", err)
	}
	if _, err := fleet.RemoteInvoke(ctx, host, "true", nil); err != nil {
		t.Fatalf("RemoteInvoke failed: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected a live connection to be reused, got %d dials", len(conns))
	}

	// The host rebooted between rounds.
	conns[0].healthy = false
	if err := fleet.RemoteDelete(ctx, host, "/staging/agent"); err != nil {
		t.Fatalf("RemoteDelete failed: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("expected a redial, got %d dials", len(conns))
	}
	if !conns[0].disconnected {
		t.Error("expected the dead connection to be closed")
	}
}

func TestFleetUnreachableHost(t *testing.T) {
	server := newTestSSHServer(t)
	addr := server.addr
	server.close()

	fleet := newTestFleet(t, QuotePOSIX)
	_, err := fleet.RemoteInvoke(context.Background(), engine.HostRecord{Name: addr}, "true", nil)
	if err == nil {
		t.Fatal("expected a connection failure")
	}
}

func TestFleetConfigHostConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  FleetConfig
		want AuthMethod
	}{
		{"password only", FleetConfig{User: "u", Password: "p"}, AuthMethodPassword},
		{"agent over password", FleetConfig{User: "u", Password: "p", UseAgent: true}, AuthMethodAgent},
		{"key over agent", FleetConfig{User: "u", UseAgent: true, PrivateKeyPath: "/k"}, AuthMethodKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.hostConfig("web01", 2222)
			if got.AuthMethod != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.AuthMethod)
			}
			if got.Port != 2222 || got.Host != "web01" {
				t.Errorf("unexpected address %s", got.Address())
			}
		})
	}

	insecure := FleetConfig{User: "u", Password: "p", InsecureIgnoreHostKey: true}.hostConfig("h", 22)
	if insecure.StrictHostKeyChecking {
		t.Error("expected host key checking to be off")
	}
}

func TestFleetConfigFrom(t *testing.T) {
	cfg := FleetConfigFrom(config.SSHConfig{
		User:                  "deploy",
		Port:                  2200,
		PrivateKeyPath:        "~/.ssh/id_ed25519",
		Passphrase:            "secret",
		KnownHostsPath:        "/etc/ssh/known_hosts",
		ConnectTimeoutSeconds: 15,
	})

	if cfg.User != "deploy" || cfg.Port != 2200 {
		t.Errorf("unexpected user/port %s/%d", cfg.User, cfg.Port)
	}
	if cfg.ConnectTimeout != 15*time.Second {
		t.Errorf("expected 15s timeout, got %v", cfg.ConnectTimeout)
	}
	if cfg.Quoting != QuotePOSIX {
		t.Errorf("expected posix quoting, got %s", cfg.Quoting)
	}
	if cfg.Passphrase != "secret" {
		t.Error("passphrase not carried over")
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{in: "web01", wantHost: "web01", wantPort: 22},
		{in: " web01 ", wantHost: "web01", wantPort: 22},
		{in: "web01:2222", wantHost: "web01", wantPort: 2222},
		{in: "10.1.2.3:22", wantHost: "10.1.2.3", wantPort: 22},
		{in: "[fe80::1]", wantHost: "fe80::1", wantPort: 22},
		{in: "[fe80::1]:2200", wantHost: "fe80::1", wantPort: 2200},
		{in: "fe80::1", wantHost: "fe80::1", wantPort: 22},
		{in: "", wantErr: true},
		{in: "web01:ssh", wantErr: true},
		{in: "web01:70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := SplitHostPort(tt.in, 22)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got %s:%d, want %s:%d", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name    string
		style   QuoteStyle
		command string
		args    []string
		want    string
	}{
		{
			name:    "posix safe words",
			style:   QuotePOSIX,
			command: "rpm",
			args:    []string{"-Uvh", "/tmp/fleetinstall/agent/agent.rpm"},
			want:    "rpm -Uvh /tmp/fleetinstall/agent/agent.rpm",
		},
		{
			name:    "posix blanks and quotes",
			style:   QuotePOSIX,
			command: "/opt/setup.sh",
			args:    []string{"--name", "my agent", "it's", ""},
			want:    `/opt/setup.sh --name 'my agent' 'it'\''s' ''`,
		},
		{
			name:    "posix metacharacters",
			style:   QuotePOSIX,
			command: "tool",
			args:    []string{"a;rm -rf /", "$HOME"},
			want:    `tool 'a;rm -rf /' '$HOME'`,
		},
		{
			name:    "windows plain",
			style:   QuoteWindows,
			command: "msiexec.exe",
			args:    []string{"/i", `C:\stage\agent.msi`, "/qn"},
			want:    `msiexec.exe /i C:\stage\agent.msi /qn`,
		},
		{
			name:    "windows blanks",
			style:   QuoteWindows,
			command: `C:\Program Files\setup.exe`,
			args:    []string{`INSTALLDIR=C:\My Apps`, `say "hi"`, ""},
			want:    `"C:\Program Files\setup.exe" INSTALLDIR="C:\My Apps" "say \"hi\"" ""`,
		},
		{
			name:    "windows trailing backslash",
			style:   QuoteWindows,
			command: "msiexec",
			args:    []string{`TARGETDIR=C:\My Apps\`, `--dir=C:\a b\`},
			want:    `msiexec TARGETDIR="C:\My Apps\\" "--dir=C:\a b\\"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildCommand(tt.style, tt.command, tt.args); got != tt.want {
				t.Errorf("BuildCommand() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Installer arguments with quoted blanks reach the host as one argument.
func TestBuildCommandInstallArgs(t *testing.T) {
	tests := []struct {
		name string
		file string
		args string
		want string
	}{
		{
			name: "msi property with a quoted path",
			file: "app.msi",
			args: `/qn INSTALLDIR="C:\Program Files\App"`,
			want: `msiexec /i C:/stage/app/app.msi /qn INSTALLDIR="C:\Program Files\App"`,
		},
		{
			name: "exe switch with a quoted path",
			file: "setup.exe",
			args: `/S "/D=C:\Program Files\App"`,
			want: `C:/stage/app/setup.exe /S "/D=C:\Program Files\App"`,
		},
		{
			name: "script with a quoted prefix",
			file: "setup.sh",
			args: `--prefix "/opt/my app" --name 'it''s'`,
			want: `C:/stage/app/setup.sh --prefix '/opt/my app' --name its`,
		},
		{
			name: "deb with options before the verb",
			file: "agent.deb",
			args: `--force-confdef --force-confold`,
			want: `dpkg --force-confdef --force-confold -i C:/stage/app/agent.deb`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "app")
			writeFile(t, filepath.Join(dir, tt.file), "payload")

			artifact, err := engine.NewArtifact(filepath.Join(dir, tt.file), engine.ParseInstallArgs(tt.args))
			if err != nil {
				t.Fatalf("NewArtifact failed: %v", err)
			}
			command, args := engine.DefaultInstallers().Resolve(artifact, artifact.StagedExecutable("C:/stage"))
			got := BuildCommand(QuoteStyleFor(artifact.Extension), command, args)
			if got != tt.want {
				t.Errorf("BuildCommand() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestQuoteStyleFor(t *testing.T) {
	windows := []string{".msi", ".MSP", ".exe", ".bat", ".cmd", ".ps1"}
	for _, ext := range windows {
		if got := QuoteStyleFor(ext); got != QuoteWindows {
			t.Errorf("QuoteStyleFor(%s) = %s, want windows", ext, got)
		}
	}
	posix := []string{".deb", ".rpm", ".sh", ""}
	for _, ext := range posix {
		if got := QuoteStyleFor(ext); got != QuotePOSIX {
			t.Errorf("QuoteStyleFor(%s) = %s, want posix", ext, got)
		}
	}
}
