package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// WriteFile writes data to remotePath, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	client, err := c.getSFTP()
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "mkdir", Err: fmt.Errorf("%s: %w", path.Dir(remotePath), err)}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "create", Err: fmt.Errorf("%s: %w", remotePath, err)}
	}
	defer f.Close()

	if _, err := copyWithContext(ctx, f, bytes.NewReader(data)); err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("%s: %w", remotePath, err)}
	}

	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("path", remotePath).Msg("Failed to set remote file mode")
		}
	}

	c.touch()
	return nil
}

// ReadFile reads the whole remote file.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.getSFTP()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("%s: %w", remotePath, err)}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("%s: %w", remotePath, err)}
	}
	c.touch()
	return buf.Bytes(), nil
}

// Checksum returns the hex SHA-256 of a remote file.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	data, err := c.ReadFile(ctx, remotePath)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MkdirAll creates remoteDir and any missing parents.
func (c *Client) MkdirAll(remoteDir string) error {
	client, err := c.getSFTP()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(remoteDir); err != nil {
		return &TransportError{Op: "mkdir", Err: fmt.Errorf("%s: %w", remoteDir, err)}
	}
	return nil
}

// RemoveAll deletes remoteDir recursively. A missing directory is not an
// error.
func (c *Client) RemoveAll(remoteDir string) error {
	client, err := c.getSFTP()
	if err != nil {
		return err
	}
	if _, err := client.Stat(remoteDir); os.IsNotExist(err) {
		return nil
	}
	if err := removeTree(client, remoteDir); err != nil {
		return &TransportError{Op: "remove", Err: fmt.Errorf("%s: %w", remoteDir, err)}
	}
	return nil
}

func removeTree(client *sftp.Client, dir string) error {
	entries, err := client.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		child := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := removeTree(client, child); err != nil {
				return err
			}
			continue
		}
		if err := client.Remove(child); err != nil {
			return err
		}
	}
	return client.RemoveDirectory(dir)
}

// copyWithContext copies in chunks and stops when ctx is done.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
