package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads localPath to remotePath, sets mode and verifies the
// upload by reading it back. The file is written under a temporary name and
// renamed into place so a running worker binary is never truncated. It
// returns the SHA-256 of the content.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string, mode os.FileMode) (string, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return pushFile(ctx, sf, localPath, remotePath, mode)
}

func pushFile(ctx context.Context, sf *sftp.Client, localPath, remotePath string, mode os.FileMode) (string, error) {
	want, err := FileChecksum(localPath)
	if err != nil {
		return "", fmt.Errorf("checksum local: %w", err)
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("mkdir remote: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local: %w", err)
	}
	defer src.Close()

	tmp := remotePath + ".upload"
	dst, err := sf.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		_ = sf.Remove(tmp)
		return "", fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = sf.Remove(tmp)
		return "", fmt.Errorf("close remote: %w", err)
	}

	got, err := remoteChecksum(sf, tmp)
	if err != nil || got != want {
		_ = sf.Remove(tmp)
		if err != nil {
			return "", fmt.Errorf("verify upload: %w", err)
		}
		return "", fmt.Errorf("checksum mismatch: local %s, remote %s", want, got)
	}
	if err := sf.Chmod(tmp, mode); err != nil {
		_ = sf.Remove(tmp)
		return "", fmt.Errorf("chmod remote: %w", err)
	}
	if err := sf.PosixRename(tmp, remotePath); err != nil {
		_ = sf.Remove(tmp)
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return want, nil
}

// FileChecksum returns the hex SHA-256 of a local file.
func FileChecksum(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func remoteChecksum(sf *sftp.Client, name string) (string, error) {
	f, err := sf.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
