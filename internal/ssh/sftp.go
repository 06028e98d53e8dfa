package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Uploader writes files to a remote directory tree over SFTP.
type Uploader struct {
	sf   *sftp.Client
	dirs map[string]bool
}

// NewUploader opens an SFTP session on an established SSH connection.
func NewUploader(client *xssh.Client) (*Uploader, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	return NewUploaderFromClient(sf), nil
}

// NewUploaderFromClient wraps an existing SFTP client.
func NewUploaderFromClient(sf *sftp.Client) *Uploader {
	return &Uploader{sf: sf, dirs: make(map[string]bool)}
}

// Upload copies localPath to remotePath, a slash separated path. The file is
// written under a temporary name and renamed into place.
func (u *Uploader) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := path.Dir(remotePath)
	if !u.dirs[dir] {
		if err := u.sf.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir remote: %w", err)
		}
		u.dirs[dir] = true
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()

	tmp := remotePath + ".kiln-upload"
	dst, err := u.sf.Create(tmp)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = u.sf.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = u.sf.Remove(tmp)
		return fmt.Errorf("close remote: %w", err)
	}
	if err := u.sf.PosixRename(tmp, remotePath); err != nil {
		_ = u.sf.Remove(remotePath)
		if err := u.sf.Rename(tmp, remotePath); err != nil {
			return fmt.Errorf("rename remote: %w", err)
		}
	}
	return nil
}

// Close ends the SFTP session.
func (u *Uploader) Close() error { return u.sf.Close() }
