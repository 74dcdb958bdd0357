// Package ssh provides SSH-based transport for remote operations.
package ssh

import (
	"context"
	"errors"
	"time"
)

// Transport is one connection to one host, as used by Fleet.
type Transport interface {
	// Connect establishes the connection. It is a no-op on a live one.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Execute runs a command and reports its exit code. A non-zero exit is
	// not an error.
	Execute(ctx context.Context, cmd string) (*ExecResult, error)

	// CopyTree recursively uploads a local directory, overwriting existing files.
	CopyTree(ctx context.Context, localDir string, remoteDir string) (*FileTransferResult, error)

	// RemoveAll recursively deletes a remote path. A missing path is not an error.
	RemoveAll(ctx context.Context, remotePath string) error
}

var _ Transport = (*SSHClient)(nil)

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// FileTransferResult represents the result of a directory upload.
type FileTransferResult struct {
	// Files is the number of files written
	Files int

	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}

// IsTemporary reports whether err is a transport failure worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
