package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// createSFTPClient opens an SFTP session on the connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.GetClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return sftpClient, nil
}

// CopyTree uploads localDir to remoteDir, preserving relative paths and file
// modes. Every file is truncated and rewritten, so a re-run replaces what a
// previous, partial copy left behind.
func (c *SSHClient) CopyTree(ctx context.Context, localDir string, remoteDir string) (*FileTransferResult, error) {
	startTime := time.Now()
	result := &FileTransferResult{}

	log.Debug().
		Str("host", c.config.Host).
		Str("local", localDir).
		Str("remote", remoteDir).
		Msg("uploading directory")

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	err = filepath.WalkDir(localDir, func(localPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(localDir, localPath)
		if err != nil {
			return err
		}
		// Remote paths are always slash-separated.
		targetPath := path.Join(remoteDir, filepath.ToSlash(relPath))

		if d.IsDir() {
			if err := sftpClient.MkdirAll(targetPath); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			log.Debug().Str("path", localPath).Msg("skipping non-regular file")
			return nil
		}

		n, err := uploadFile(ctx, sftpClient, localPath, targetPath)
		if err != nil {
			return fmt.Errorf("failed to upload file %s: %w", localPath, err)
		}
		result.Files++
		result.BytesTransferred += n
		return nil
	})
	if err != nil {
		return nil, &TransportError{
			Op:          "upload-dir",
			Err:         err,
			IsTemporary: ctx.Err() == nil,
			IsAuthError: false,
		}
	}

	result.Duration = time.Since(startTime)
	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remoteDir).
		Int("files", result.Files).
		Int64("bytes", result.BytesTransferred).
		Dur("duration", result.Duration).
		Msg("directory uploaded")

	return result, nil
}

// uploadFile writes one local file to remotePath, replacing any existing file.
func uploadFile(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string) (int64, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat local file: %w", err)
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file: %w", err)
	}

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if closeErr := remoteFile.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("failed to copy file: %w", err)
	}

	if err := sftpClient.Chmod(remotePath, info.Mode().Perm()); err != nil {
		// Windows OpenSSH ignores most mode bits.
		log.Debug().Err(err).Str("path", remotePath).Msg("failed to set file permissions")
	}

	return written, nil
}

// RemoveAll deletes remotePath and everything below it. A path that does not
// exist is already removed.
func (c *SSHClient) RemoveAll(ctx context.Context, remotePath string) error {
	log.Debug().Str("host", c.config.Host).Str("path", remotePath).Msg("removing remote path")

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := removeAll(ctx, sftpClient, remotePath); err != nil {
		return &TransportError{
			Op:          "remove",
			Err:         err,
			IsTemporary: ctx.Err() == nil,
			IsAuthError: false,
		}
	}
	return nil
}

func removeAll(ctx context.Context, sftpClient *sftp.Client, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := sftpClient.Stat(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", remotePath, err)
	}

	if !info.IsDir() {
		if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", remotePath, err)
		}
		return nil
	}

	entries, err := sftpClient.ReadDir(remotePath)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", remotePath, err)
	}
	for _, entry := range entries {
		if err := removeAll(ctx, sftpClient, path.Join(remotePath, entry.Name())); err != nil {
			return err
		}
	}

	if err := sftpClient.RemoveDirectory(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove directory %s: %w", remotePath, err)
	}
	return nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
