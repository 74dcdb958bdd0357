package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host example.com, got %s", config.Host)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.User != "testuser" {
		t.Errorf("expected user testuser, got %s", config.User)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method key, got %s", config.AuthMethod)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking to be enabled")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t, t.TempDir())

	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{
			name: "valid password config",
			config: &Config{
				Host:              "example.com",
				Port:              22,
				User:              "testuser",
				AuthMethod:        AuthMethodPassword,
				Password:          "testpass",
				ConnectionTimeout: 30 * time.Second,
			},
		},
		{
			name: "valid key config",
			config: &Config{
				Host:              "example.com",
				Port:              22,
				User:              "testuser",
				AuthMethod:        AuthMethodKey,
				PrivateKeyPath:    keyPath,
				ConnectionTimeout: 30 * time.Second,
			},
		},
		{
			name: "valid agent config",
			config: &Config{
				Host:              "example.com",
				Port:              22,
				User:              "testuser",
				AuthMethod:        AuthMethodAgent,
				AgentSocket:       "/tmp/agent.sock",
				ConnectionTimeout: 30 * time.Second,
			},
		},
		{
			name: "missing host",
			config: &Config{
				Port:              22,
				User:              "testuser",
				AuthMethod:        AuthMethodPassword,
				Password:          "testpass",
				ConnectionTimeout: 30 * time.Second,
			},
			wantErr: "host is required",
		},
		{
			name: "invalid port",
			config: &Config{
				Host:              "example.com",
				Port:              70000,
				User:              "testuser",
				AuthMethod:        AuthMethodPassword,
				Password:          "testpass",
				ConnectionTimeout: 30 * time.Second,
			},
			wantErr: "invalid port",
		},
		{
			name: "missing user",
			config: &Config{
				Host:              "example.com",
				Port:              22,
				AuthMethod:        AuthMethodPassword,
				Password:          "testpass",
				ConnectionTimeout: 30 * time.Second,
			},
			wantErr: "user is required",
		},
		{
			name: "missing password",
			config: &Config{
				Host:              "example.com",
				Port:              22,
				User:              "testuser",
				AuthMethod:        AuthMethodPassword,
				ConnectionTimeout: 30 * time.Second,
			},
			wantErr: "password is required",
		},
		{
			name: "missing key file",
			config: &Config{
				Host:              "example.com",
				Port:              22,
				User:              "testuser",
				AuthMethod:        AuthMethodKey,
				PrivateKeyPath:    filepath.Join(t.TempDir(), "missing"),
				ConnectionTimeout: 30 * time.Second,
			},
			wantErr: "private key file not found",
		},
		{
			name: "unsupported auth method",
			config: &Config{
				Host:              "example.com",
				Port:              22,
				User:              "testuser",
				AuthMethod:        "kerberos",
				ConnectionTimeout: 30 * time.Second,
			},
			wantErr: "unsupported auth method",
		},
		{
			name: "zero timeout",
			config: &Config{
				Host:       "example.com",
				Port:       22,
				User:       "testuser",
				AuthMethod: AuthMethodPassword,
				Password:   "testpass",
			},
			wantErr: "connection timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"example.com", 22, "example.com:22"},
		{"10.0.0.5", 2222, "10.0.0.5:2222"},
		{"fe80::1", 22, "[fe80::1]:22"},
	}

	for _, tt := range tests {
		config := &Config{Host: tt.host, Port: tt.port}
		if got := config.Address(); got != tt.want {
			t.Errorf("Address(%s, %d) = %s, want %s", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestBuildSSHClientConfigPassword(t *testing.T) {
	config := &Config{
		Host:              "example.com",
		Port:              22,
		User:              "testuser",
		AuthMethod:        AuthMethodPassword,
		Password:          "testpass",
		ConnectionTimeout: 10 * time.Second,
	}

	clientConfig, closer, err := config.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}
	defer closer()

	if clientConfig.User != "testuser" {
		t.Errorf("expected user testuser, got %s", clientConfig.User)
	}
	// password plus keyboard-interactive
	if len(clientConfig.Auth) != 2 {
		t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
	}
	if clientConfig.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", clientConfig.Timeout)
	}
	if clientConfig.HostKeyCallback == nil {
		t.Error("expected a host key callback")
	}
}

func TestBuildSSHClientConfigKey(t *testing.T) {
	config := &Config{
		Host:              "example.com",
		Port:              22,
		User:              "testuser",
		AuthMethod:        AuthMethodKey,
		PrivateKeyPath:    writeTestKey(t, t.TempDir()),
		ConnectionTimeout: 10 * time.Second,
	}

	clientConfig, closer, err := config.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}
	defer closer()

	if len(clientConfig.Auth) != 1 {
		t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
	}
}

func TestBuildSSHClientConfigBadKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_bad")
	if err := os.WriteFile(keyPath, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	config := &Config{
		Host:              "example.com",
		Port:              22,
		User:              "testuser",
		AuthMethod:        AuthMethodKey,
		PrivateKeyPath:    keyPath,
		ConnectionTimeout: 10 * time.Second,
	}

	if _, _, err := config.BuildSSHClientConfig(); err == nil {
		t.Fatal("expected an error for an unparsable key")
	}
}

func TestBuildSSHClientConfigAgent(t *testing.T) {
	// Unix socket paths are length-limited; TempDir names can be long.
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "sock")

	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer listener.Close()

	keyring := agent.NewKeyring()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()

	config := &Config{
		Host:              "example.com",
		Port:              22,
		User:              "testuser",
		AuthMethod:        AuthMethodAgent,
		AgentSocket:       socket,
		ConnectionTimeout: 10 * time.Second,
	}

	clientConfig, closer, err := config.BuildSSHClientConfig()
	if err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}
	if len(clientConfig.Auth) != 1 {
		t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
	}
	if err := closer(); err != nil {
		t.Errorf("closer failed: %v", err)
	}
}

func TestBuildSSHClientConfigAgentUnreachable(t *testing.T) {
	config := &Config{
		Host:              "example.com",
		Port:              22,
		User:              "testuser",
		AuthMethod:        AuthMethodAgent,
		AgentSocket:       filepath.Join(t.TempDir(), "missing.sock"),
		ConnectionTimeout: 10 * time.Second,
	}

	if _, _, err := config.BuildSSHClientConfig(); err == nil {
		t.Fatal("expected an error for a missing agent socket")
	}
}

func TestBuildSSHClientConfigKnownHosts(t *testing.T) {
	dir := t.TempDir()
	knownHosts := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(knownHosts, nil, 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}

	config := &Config{
		Host:                  "example.com",
		Port:                  22,
		User:                  "testuser",
		AuthMethod:            AuthMethodPassword,
		Password:              "testpass",
		KnownHostsPath:        knownHosts,
		StrictHostKeyChecking: true,
		ConnectionTimeout:     10 * time.Second,
	}
	if _, _, err := config.BuildSSHClientConfig(); err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}

	config.KnownHostsPath = filepath.Join(dir, "missing")
	if _, _, err := config.BuildSSHClientConfig(); err == nil {
		t.Fatal("expected an error for a missing known_hosts file")
	}

	// Without strict checking the file is never read.
	config.StrictHostKeyChecking = false
	if _, _, err := config.BuildSSHClientConfig(); err != nil {
		t.Fatalf("BuildSSHClientConfig failed: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := ExpandHome("~/.ssh/id_ed25519"); got != filepath.Join(home, ".ssh", "id_ed25519") {
		t.Errorf("unexpected expansion: %s", got)
	}
	if got := ExpandHome("~"); got != home {
		t.Errorf("unexpected expansion of ~: %s", got)
	}
	if got := ExpandHome("/etc/ssh/key"); got != "/etc/ssh/key" {
		t.Errorf("absolute path changed: %s", got)
	}
	if got := ExpandHome("~other/key"); got != "~other/key" {
		t.Errorf("~user path changed: %s", got)
	}
}

// writeTestKey writes an unencrypted ED25519 private key in OpenSSH format.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
