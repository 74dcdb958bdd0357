package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// execFunc scripts the exit status and output of a command on the test server.
type execFunc func(cmd string) (stdout, stderr string, status uint32)

// testSSHServer is an in-process SSH server with password and public key
// auth, an exec handler and an in-memory SFTP subsystem shared by every
// session.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	addr     string
	done     chan struct{}
	handlers sftp.Handlers
	exec     execFunc

	mu       sync.Mutex
	commands []string
	conns    atomic.Int32
}

// newTestSSHServer starts a server that accepts testuser/testpass and any
// public key.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	hostPub, hostSigner, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		hostKey:  hostPub,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		handlers: sftp.InMemHandler(),
		exec:     defaultExec,
	}

	go server.serve()
	t.Cleanup(server.close)

	return server
}

// defaultExec understands "true", "exit N" and "echo ..."; everything else
// exits 0 and echoes the command line. "sleep ..." and "chatty" are handled
// by the channel and never exit on their own.
func defaultExec(cmd string) (string, string, uint32) {
	switch {
	case cmd == "true":
		return "", "", 0
	case strings.HasPrefix(cmd, "exit "):
		var code uint32
		fmt.Sscanf(strings.TrimPrefix(cmd, "exit "), "%d", &code)
		return "", "failed", code
	case strings.HasPrefix(cmd, "echo "):
		return strings.TrimPrefix(cmd, "echo ") + "\n", "", 0
	default:
		return "command: " + cmd + "\n", "", 0
	}
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	s.conns.Add(1)

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			s.record(payload.Command)
			if req.WantReply {
				req.Reply(true, nil)
			}

			// Long-running commands wait for a signal or the client to go away.
			if strings.HasPrefix(payload.Command, "sleep") {
				continue
			}
			// chatty writes until the channel is closed under it.
			if payload.Command == "chatty" {
				go func() {
					for {
						if _, err := channel.Write([]byte("tick\n")); err != nil {
							return
						}
						time.Sleep(time.Millisecond)
					}
				}()
				continue
			}

			stdout, stderr, status := s.exec(payload.Command)
			channel.Write([]byte(stdout))
			channel.Stderr().Write([]byte(stderr))
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "signal":
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
			go ssh.DiscardRequests(requests)

			server := sftp.NewRequestServer(channel, s.handlers)
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) record(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

func (s *testSSHServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		s.listener.Close()
	}
}

// passwordConfig returns a client config for the server with password auth.
func (s *testSSHServer) passwordConfig(t *testing.T) *Config {
	t.Helper()
	host, port, err := SplitHostPort(s.addr, 22)
	if err != nil {
		t.Fatalf("bad server address %s: %v", s.addr, err)
	}
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	return config
}

// generateTestKey generates an ED25519 key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}
