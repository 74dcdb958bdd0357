package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const (
	// signalGrace is how long a cancelled command gets between SIGTERM and SIGKILL.
	signalGrace = 100 * time.Millisecond
	// closeGrace bounds the wait for a closed session to drain.
	closeGrace = 2 * time.Second
)

// Execute runs cmd on the remote host and waits for it to exit. The exit
// code is reported on the result; err is reserved for faults of the channel
// itself: no session, a dropped connection, a missing exit status, or ctx
// ending before the command did.
func (c *SSHClient) Execute(ctx context.Context, cmd string) (*ExecResult, error) {
	result := &ExecResult{StartedAt: time.Now()}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Msg("executing command")

	sshClient, err := c.GetClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		// The buffers belong to the session's copiers until Run returns.
		if stopSession(session, doneChan) {
			result.Stdout = strings.TrimSpace(stdoutBuf.String())
			result.Stderr = strings.TrimSpace(stderrBuf.String())
		}
		execErr = ctx.Err()
	case execErr = <-doneChan:
		result.Stdout = strings.TrimSpace(stdoutBuf.String())
		result.Stderr = strings.TrimSpace(stderrBuf.String())
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	var exitErr *ssh.ExitError
	switch {
	case execErr == nil:
		result.ExitCode = 0
	case errors.As(execErr, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return result, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("exit_code", result.ExitCode).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Msg("command completed")

	return result, nil
}

// stopSession signals the remote command, closes the session and waits for
// Run to return. It reports false when Run is still running after closeGrace,
// in which case the session's output must not be read.
func stopSession(session *ssh.Session, done <-chan error) bool {
	_ = session.Signal(ssh.SIGTERM)
	select {
	case <-done:
		return true
	case <-time.After(signalGrace):
	}

	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	select {
	case <-done:
		return true
	case <-time.After(closeGrace):
		return false
	}
}
