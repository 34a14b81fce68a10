package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/doppler-ln/doppler/pkg/transports"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

func (c *Client) newSFTPClient(ctx context.Context) (*sftp.Client, error) {
	client, err := c.sshClient(ctx)
	if err != nil {
		return nil, &transports.TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &transports.TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// UploadFile copies one local file to remotePath, creating parent
// directories. A zero mode leaves the server default permissions.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	sftpClient, err := c.newSFTPClient(ctx)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	return uploadFile(ctx, sftpClient, localPath, remotePath, mode)
}

// UploadDirectory mirrors a local tree under remotePath, keeping file modes.
// The node data directories are rewritten on every bring-up so the whole
// tree is copied each time.
func (c *Client) UploadDirectory(ctx context.Context, localPath, remotePath string) error {
	sftpClient, err := c.newSFTPClient(ctx)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading directory")

	return filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if info.IsDir() {
			if err := sftpClient.MkdirAll(target); err != nil {
				return &transports.TransportError{
					Op:  "upload-dir",
					Err: fmt.Errorf("failed to create remote directory %s: %w", target, err),
				}
			}
			return nil
		}
		return uploadFile(ctx, sftpClient, p, target, uint32(info.Mode().Perm()))
	})
}

func uploadFile(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string, mode uint32) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &transports.TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &transports.TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &transports.TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &transports.TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy %s: %w", localPath, err),
			IsTemporary: true,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")

	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
