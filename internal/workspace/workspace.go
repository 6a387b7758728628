// Package workspace manages the directory the mod CLI syncs repositories into.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fixline/internal/modcli"
)

// RepositoryNotFoundError reports a sync that succeeded without producing the expected checkout.
type RepositoryNotFoundError struct {
	Repo      string
	Workspace string
}

func (e *RepositoryNotFoundError) Error() string {
	return fmt.Sprintf("repo %s not found in workspace %s", e.Repo, e.Workspace)
}

// Workspace is one sync target directory.
type Workspace struct {
	Path string
	// TempDir holds transient sync descriptors; empty means os.TempDir().
	TempDir string
	Mod     modcli.Client
	Logger  *zap.Logger
}

func (w Workspace) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

// DescriptorPath returns the sync descriptor location for a session token.
func (w Workspace) DescriptorPath(sessionToken string) string {
	dir := w.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("fixline_repos_%s.csv", sessionToken))
}

// Sync materialises repoURL at branch under the workspace and returns the CLI log text.
// The descriptor file is removed whatever the outcome.
func (w Workspace) Sync(ctx context.Context, repoURL, branch string, forceClean bool, sessionToken string) (string, error) {
	if w.Path == "" {
		return "", errors.New("workspace path required")
	}
	if forceClean {
		if err := os.RemoveAll(w.Path); err != nil {
			return "", fmt.Errorf("clean workspace: %w", err)
		}
	}
	if err := os.MkdirAll(w.Path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if sessionToken == "" {
		sessionToken = uuid.NewString()
	}
	descriptor := w.DescriptorPath(sessionToken)
	defer func() {
		if err := os.Remove(descriptor); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger().Warn("remove sync descriptor", zap.String("path", descriptor), zap.Error(err))
		}
	}()
	content := fmt.Sprintf("cloneUrl,branch\n%s,%s\n", repoURL, branch)
	if err := os.WriteFile(descriptor, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write sync descriptor: %w", err)
	}
	out, err := w.Mod.Sync(ctx, w.Path, descriptor)
	if err != nil {
		return out, err
	}
	w.logger().Info("workspace synced", zap.String("repo", repoURL), zap.String("branch", branch))
	return fmt.Sprintf("Successfully synced %s.\n%s", repoURL, out), nil
}

// RepoName derives the checkout directory name from a clone URL.
func RepoName(repoURL string) string {
	u := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	if i := strings.LastIndexAny(u, "/:"); i >= 0 {
		u = u[i+1:]
	}
	return strings.TrimSuffix(u, ".git")
}

// Locate finds the checkout of repoURL: a directory named after the repository that holds a
// .git entry.
func (w Workspace) Locate(repoURL string) (string, error) {
	name := RepoName(repoURL)
	var found string
	err := filepath.WalkDir(w.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return fs.SkipDir
		}
		if d.Name() != name {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(path, ".git")); statErr == nil {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scan workspace: %w", err)
	}
	if found == "" {
		return "", &RepositoryNotFoundError{Repo: name, Workspace: w.Path}
	}
	return found, nil
}

// Clear deletes the workspace and everything synced into it.
func (w Workspace) Clear() error {
	if w.Path == "" || w.Path == "/" {
		return fmt.Errorf("refusing to clear workspace %q", w.Path)
	}
	if err := os.RemoveAll(w.Path); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}
	return nil
}

// Locks hands out one mutex per workspace path so concurrent jobs do not interleave inside the
// same directory.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *Locks) For(path string) *sync.Mutex {
	clean := filepath.Clean(path)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[clean]
	if !ok {
		m = &sync.Mutex{}
		l.locks[clean] = m
	}
	return m
}
