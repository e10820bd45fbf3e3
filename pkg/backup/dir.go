package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/marmos91/dittomd/internal/logger"
)

// DirUploader copies retired logs into a local directory, typically a
// mounted backup volume.
type DirUploader struct {
	root string
}

// NewDirUploader creates an uploader writing below root.
func NewDirUploader(root string) (*DirUploader, error) {
	if root == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &DirUploader{root: root}, nil
}

// Upload copies localPath to <root>/<key>.
func (u *DirUploader) Upload(ctx context.Context, localPath, key string) error {
	err := walkFiles(ctx, localPath, func(abs, rel string) error {
		dst := filepath.Join(u.root, filepath.FromSlash(joinKey("", key, rel)))
		return copyFile(abs, dst)
	})
	if err != nil {
		return fmt.Errorf("failed to back up %s: %w", localPath, err)
	}
	logger.Info("Backed up %s to %s", localPath, filepath.Join(u.root, filepath.FromSlash(key)))
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
