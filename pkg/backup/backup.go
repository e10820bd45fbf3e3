// Package backup ships retired record logs off the node after compaction.
//
// A retired log is either a single changelog file or a BadgerDB directory.
// Uploaders store directories file by file under a common key prefix:
//
//	<key>              single file
//	<key>/<relpath>    every regular file of a directory
package backup

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Uploader stores a local file or directory under key.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}

// Key returns the object key of a retired log: <service>/<timestamp>-<runID>.
func Key(service, runID string, at time.Time) string {
	return path.Join(service, at.UTC().Format("20060102T150405Z")+"-"+runID)
}

// walkFiles calls fn for localPath when it is a regular file, or for every
// regular file below it when it is a directory. rel is the slash-separated
// path relative to localPath ("" for a single file).
func walkFiles(ctx context.Context, localPath string, fn func(abs, rel string) error) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fn(localPath, "")
	}

	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		return fn(p, filepath.ToSlash(rel))
	})
}

func joinKey(prefix, key, rel string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, key, rel} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}
