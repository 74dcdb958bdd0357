package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/fleetinstall/pkg/config"
	"github.com/openfroyo/fleetinstall/pkg/engine"
)

// QuoteStyle selects how command arguments are quoted for the remote shell.
type QuoteStyle string

const (
	// QuotePOSIX single-quotes arguments for sh-compatible shells.
	QuotePOSIX QuoteStyle = "posix"

	// QuoteWindows double-quotes arguments for cmd.exe, the default shell of
	// Windows OpenSSH.
	QuoteWindows QuoteStyle = "windows"
)

// QuoteStyleFor picks the quoting of the shell that will run an installer
// with the given extension.
func QuoteStyleFor(extension string) QuoteStyle {
	if engine.IsWindowsExtension(extension) {
		return QuoteWindows
	}
	return QuotePOSIX
}

// FleetConfig holds the SSH settings shared by every host of a run.
type FleetConfig struct {
	User                  string
	Port                  int
	Password              string
	PrivateKeyPath        string
	Passphrase            string
	UseAgent              bool
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
	KeepAliveInterval     time.Duration
	Quoting               QuoteStyle
}

// FleetConfigFrom maps the job file's ssh section.
func FleetConfigFrom(c config.SSHConfig) FleetConfig {
	return FleetConfig{
		User:                  c.User,
		Port:                  c.Port,
		Password:              c.Password,
		PrivateKeyPath:        c.PrivateKeyPath,
		Passphrase:            c.Passphrase,
		UseAgent:              c.UseAgent,
		KnownHostsPath:        c.KnownHostsPath,
		InsecureIgnoreHostKey: c.InsecureIgnoreHostKey,
		ConnectTimeout:        time.Duration(c.ConnectTimeoutSeconds) * time.Second,
		Quoting:               QuotePOSIX,
	}
}

// hostConfig builds the per-host client configuration. Key auth wins over
// the agent, which wins over a bare password.
func (fc FleetConfig) hostConfig(host string, port int) *Config {
	cfg := DefaultConfig(host, fc.User)
	cfg.Port = port
	cfg.Password = fc.Password
	cfg.PrivateKeyPassphrase = fc.Passphrase
	cfg.KnownHostsPath = fc.KnownHostsPath
	cfg.StrictHostKeyChecking = !fc.InsecureIgnoreHostKey
	if fc.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = fc.ConnectTimeout
	}
	cfg.KeepAliveInterval = fc.KeepAliveInterval

	switch {
	case fc.PrivateKeyPath != "":
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = fc.PrivateKeyPath
	case fc.UseAgent:
		cfg.AuthMethod = AuthMethodAgent
	default:
		cfg.AuthMethod = AuthMethodPassword
	}
	return cfg
}

// Fleet implements engine.Transport over one SSH connection per host. A
// connection is opened on first use and reused by later rounds; one that
// fails with a temporary error or stops answering is dropped and redialed.
// A host that rejected the credentials is not dialed again.
type Fleet struct {
	cfg    FleetConfig
	logger zerolog.Logger
	dial   func(ctx context.Context, cfg *Config) (Transport, error)

	mu    sync.Mutex
	hosts map[string]*fleetHost
}

type fleetHost struct {
	mu      sync.Mutex
	client  Transport
	authErr error
}

var _ engine.Transport = (*Fleet)(nil)

// NewFleet creates a fleet transport.
func NewFleet(cfg FleetConfig) *Fleet {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Quoting == "" {
		cfg.Quoting = QuotePOSIX
	}
	return &Fleet{
		cfg:    cfg,
		logger: log.Logger.With().Str("component", "ssh-fleet").Logger(),
		dial:   dialSSH,
		hosts:  make(map[string]*fleetHost),
	}
}

func dialSSH(ctx context.Context, cfg *Config) (Transport, error) {
	client, err := NewSSHClient(cfg)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// CopyTree implements engine.Stager.
func (f *Fleet) CopyTree(ctx context.Context, host engine.HostRecord, sourceDir, destPath string) error {
	client, err := f.client(ctx, host)
	if err != nil {
		return err
	}
	res, err := client.CopyTree(ctx, sourceDir, destPath)
	if err != nil {
		f.evictOnFault(host, err)
		return err
	}
	f.logger.Debug().
		Str("host", host.Name).
		Int("files", res.Files).
		Int64("bytes", res.BytesTransferred).
		Msg("Artifact folder copied")
	return nil
}

// RemoteInvoke implements engine.Invoker.
func (f *Fleet) RemoteInvoke(ctx context.Context, host engine.HostRecord, command string, args []string) (int, error) {
	client, err := f.client(ctx, host)
	if err != nil {
		return 0, err
	}
	res, err := client.Execute(ctx, BuildCommand(f.cfg.Quoting, command, args))
	if err != nil {
		f.evictOnFault(host, err)
		return 0, err
	}
	if res.ExitCode != 0 && res.Stderr != "" {
		f.logger.Debug().Str("host", host.Name).Int("exit_code", res.ExitCode).Str("stderr", res.Stderr).Msg("Installer stderr")
	}
	return res.ExitCode, nil
}

// RemoteDelete implements engine.Remover.
func (f *Fleet) RemoteDelete(ctx context.Context, host engine.HostRecord, path string) error {
	client, err := f.client(ctx, host)
	if err != nil {
		return err
	}
	if err := client.RemoveAll(ctx, path); err != nil {
		f.evictOnFault(host, err)
		return err
	}
	return nil
}

// Close disconnects every host.
func (f *Fleet) Close() error {
	f.mu.Lock()
	hosts := f.hosts
	f.hosts = make(map[string]*fleetHost)
	f.mu.Unlock()

	var firstErr error
	for _, h := range hosts {
		h.mu.Lock()
		if h.client != nil {
			if err := h.client.Disconnect(); err != nil && firstErr == nil {
				firstErr = err
			}
			h.client = nil
		}
		h.mu.Unlock()
	}
	return firstErr
}

// client returns a connected client for host, dialing it if needed. Dials of
// different hosts proceed in parallel.
func (f *Fleet) client(ctx context.Context, host engine.HostRecord) (Transport, error) {
	f.mu.Lock()
	h, ok := f.hosts[host.Name]
	if !ok {
		h = &fleetHost{}
		f.hosts[host.Name] = h
	}
	f.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.authErr != nil {
		return nil, h.authErr
	}
	if h.client != nil {
		if err := h.client.HealthCheck(ctx); err == nil {
			return h.client, nil
		}
		f.logger.Debug().Str("host", host.Name).Msg("Connection went away, redialing")
		_ = h.client.Disconnect()
		h.client = nil
	}

	name, port, err := SplitHostPort(host.Name, f.cfg.Port)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	client, err := f.dial(ctx, f.cfg.hostConfig(name, port))
	if err != nil {
		if IsAuthError(err) {
			f.logger.Warn().Err(err).Str("host", host.Name).Msg("Authentication failed, host will not be redialed")
			h.authErr = err
		}
		return nil, err
	}
	h.client = client
	return client, nil
}

func (f *Fleet) evictOnFault(host engine.HostRecord, err error) {
	if !IsTemporary(err) {
		return
	}
	f.mu.Lock()
	h, ok := f.hosts[host.Name]
	f.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		_ = h.client.Disconnect()
		h.client = nil
	}
}

// SplitHostPort splits "host", "host:port", "[v6]" or "[v6]:port". A bare
// IPv6 address without brackets is taken as a host.
func SplitHostPort(name string, defaultPort int) (string, int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", 0, fmt.Errorf("empty host name")
	}

	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		return strings.Trim(name, "[]"), defaultPort, nil
	}
	if strings.Count(name, ":") > 1 && !strings.HasPrefix(name, "[") {
		return name, defaultPort, nil
	}
	if !strings.Contains(name, ":") {
		return name, defaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(name)
	if err != nil {
		return "", 0, fmt.Errorf("invalid host %q: %w", name, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in host %q", name)
	}
	return host, port, nil
}

// BuildCommand renders command and args as one remote command line.
func BuildCommand(style QuoteStyle, command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(style, command))
	for _, a := range args {
		parts = append(parts, quote(style, a))
	}
	return strings.Join(parts, " ")
}

func quote(style QuoteStyle, s string) string {
	if style == QuoteWindows {
		return quoteWindows(s)
	}
	return quotePOSIX(s)
}

// quotePOSIX leaves shell-safe words alone and single-quotes the rest.
func quotePOSIX(s string) string {
	if s == "" {
		return "''"
	}
	if isSafeWord(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quoteWindows double-quotes words containing blanks or quotes. A
// PROPERTY=value word only has its value quoted, which is the form msiexec
// understands and still parses as one argument.
func quoteWindows(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"&|<>^") {
		return s
	}
	if key, value, ok := strings.Cut(s, "="); ok && isPropertyName(key) {
		return key + "=" + quoteWindowsWord(value)
	}
	return quoteWindowsWord(s)
}

// quoteWindowsWord quotes s so CommandLineToArgvW yields it back unchanged.
func quoteWindowsWord(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for _, r := range s {
		switch r {
		case '\\':
			slashes++
			continue
		case '"':
			b.WriteString(strings.Repeat(`\`, 2*slashes+1))
		default:
			b.WriteString(strings.Repeat(`\`, slashes))
		}
		slashes = 0
		b.WriteRune(r)
	}
	b.WriteString(strings.Repeat(`\`, 2*slashes))
	b.WriteByte('"')
	return b.String()
}

func isPropertyName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r == '_':
		case i > 0 && (r >= '0' && r <= '9' || r == '.'):
		default:
			return false
		}
	}
	return true
}

func isSafeWord(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_@%+=:,./-", r):
		default:
			return false
		}
	}
	return true
}
