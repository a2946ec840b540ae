// Package blobsync bulk-materializes a project's files from the content
// store into a sandbox working directory, and uploads the inverse. Both
// directions are cancellable; partial progress on cancellation is not
// rolled back since the sandbox is destroyed regardless.
package blobsync

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"apex-orchestrator/internal/apexerr"
	"apex-orchestrator/internal/store/blobstore"
)

// DefaultIgnoreSet are directories Push never uploads back.
var DefaultIgnoreSet = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"target":       true,
}

// Syncer materializes and uploads project files against a Store.
type Syncer struct {
	store blobstore.Store
}

// New builds a Syncer over the given backing store.
func New(store blobstore.Store) *Syncer {
	return &Syncer{store: store}
}

// ProjectPrefix is the store-key prefix for all of a project's blobs.
func ProjectPrefix(projectID string) string {
	return fmt.Sprintf("projects/%s/", projectID)
}

// PullResult summarizes a materialization.
type PullResult struct {
	FileCount int
	TotalSize int64
}

// Pull lists all blobs under the project prefix, creates necessary
// directories, and writes files atomically (temp-then-rename) into dest.
func (s *Syncer) Pull(ctx context.Context, projectID, dest string) (PullResult, error) {
	prefix := ProjectPrefix(projectID)
	entries, err := s.store.List(ctx, prefix)
	if err != nil {
		return PullResult{}, apexerr.Wrap(apexerr.Internal, "list project blobs", err)
	}

	var result PullResult
	for _, e := range entries {
		if ctx.Err() != nil {
			return result, apexerr.Wrap(apexerr.Internal, "pull cancelled", ctx.Err())
		}
		rel := strings.TrimPrefix(e.Path, prefix)
		if rel == "" {
			continue
		}
		data, err := s.store.Get(ctx, e.Path)
		if err != nil {
			return result, apexerr.Wrap(apexerr.Internal, "get blob "+e.Path, err)
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := writeAtomic(target, data); err != nil {
			return result, apexerr.Wrap(apexerr.Internal, "write "+target, err)
		}
		result.FileCount++
		result.TotalSize += int64(len(data))
	}
	return result, nil
}

// PushResult summarizes an upload.
type PushResult struct {
	FileCount int
}

// Push recursively enumerates regular files under src (skipping the ignore
// set), uploading each with upsert semantics.
func (s *Syncer) Push(ctx context.Context, src, projectID string, ignore map[string]bool) (PushResult, error) {
	if ignore == nil {
		ignore = DefaultIgnoreSet
	}
	prefix := ProjectPrefix(projectID)
	var result PushResult

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if ignore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		if err := s.store.Put(ctx, key, data, true); err != nil {
			return err
		}
		result.FileCount++
		return nil
	})
	if err != nil {
		return result, apexerr.Wrap(apexerr.Internal, "push project files", err)
	}
	return result, nil
}

// PushGitOnly uploads only the .git directory under src, the narrower
// upload GitRunner's opAdd/opCommit operations need (spec.md §9 open
// question: opAdd and opCommit upload .git only, opPull uploads everything).
func (s *Syncer) PushGitOnly(ctx context.Context, src, projectID string) (PushResult, error) {
	gitDir := filepath.Join(src, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return PushResult{}, apexerr.Wrap(apexerr.Internal, ".git directory missing", err)
	}
	prefix := ProjectPrefix(projectID)
	var result PushResult

	err := filepath.WalkDir(gitDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		if err := s.store.Put(ctx, key, data, true); err != nil {
			return err
		}
		result.FileCount++
		return nil
	})
	if err != nil {
		return result, apexerr.Wrap(apexerr.Internal, "push .git directory", err)
	}
	return result, nil
}

func writeAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".tmp-" + fmt.Sprintf("%d", os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}
