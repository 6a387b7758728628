// Package vcs wraps the go-git operations the fix pipeline performs on a checkout.
package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

const DefaultRemoteName = "origin"

// DefaultExcludes are directories never staged: build output, editor state and engine metadata.
var DefaultExcludes = []string{"target/", "build/", ".idea/", ".vscode/", ".moderne/"}

// Signature identifies the author of automated commits.
type Signature struct {
	Name  string
	Email string
}

// Repository is an opened on-disk checkout.
type Repository struct {
	path     string
	repo     *git.Repository
	worktree *git.Worktree
	identity Signature
	// Auth is used for pushes. Nil means anonymous or whatever the transport picks up.
	Auth transport.AuthMethod
	Now  func() time.Time
}

// Open opens the repository rooted at path.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, WrapErrorf(err, "open repository %s", path)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, WrapError(err, "open worktree")
	}
	return &Repository{path: path, repo: repo, worktree: wt}, nil
}

// TokenAuth returns HTTPS basic auth for a hosting token, or nil for an empty token.
func TokenAuth(token string) transport.AuthMethod {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: token}
}

func (r *Repository) Path() string { return r.path }

// CurrentBranch returns the short name of the checked out branch.
func (r *Repository) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", WrapError(err, "failed to get HEAD reference")
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// CheckoutBranch points name at the current HEAD, creating or resetting it, and switches to
// it. Working tree changes are kept.
func (r *Repository) CheckoutBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return errors.New("branch name cannot be empty")
	}
	head, err := r.repo.Head()
	if err != nil {
		return WrapError(err, "failed to get HEAD reference")
	}
	ref := plumbing.NewBranchReferenceName(name)
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(ref, head.Hash())); err != nil {
		return WrapErrorf(err, "set branch %s", name)
	}
	if err := r.worktree.Checkout(&git.CheckoutOptions{Branch: ref, Keep: true}); err != nil {
		return WrapErrorf(err, "checkout %s", name)
	}
	return nil
}

// ConfigureIdentity records the commit identity in the repository-local config and uses it
// for subsequent commits.
func (r *Repository) ConfigureIdentity(name, email string) error {
	cfg, err := r.repo.Config()
	if err != nil {
		return WrapError(err, "read repository config")
	}
	cfg.User.Name = name
	cfg.User.Email = email
	if err := r.repo.SetConfig(cfg); err != nil {
		return WrapError(err, "write repository config")
	}
	r.identity = Signature{Name: name, Email: email}
	return nil
}

// buildDescriptors mark a directory as a build module whose own output dirs are excluded too.
var buildDescriptors = []string{"pom.xml", "build.gradle", "build.gradle.kts"}

// excluded reports whether path falls under one of the excludes. Excludes are matched as
// prefixes from the repository root, like git pathspecs. A nested directory of the same name is
// excluded only when its parent is a build module, so module/target/ is skipped while a package
// such as src/main/java/com/acme/build/ is not.
func excluded(path string, excludes []string, isModule func(dir string) bool) bool {
	path = filepath.ToSlash(path)
	parts := strings.Split(path, "/")
	for _, ex := range excludes {
		ex = strings.Trim(filepath.ToSlash(ex), "/")
		if ex == "" {
			continue
		}
		if path == ex || strings.HasPrefix(path, ex+"/") {
			return true
		}
		if strings.Contains(ex, "/") || isModule == nil {
			continue
		}
		for i := 0; i < len(parts)-1; i++ {
			if parts[i] == "src" {
				break
			}
			if i > 0 && parts[i] == ex && isModule(strings.Join(parts[:i], "/")) {
				return true
			}
		}
	}
	return false
}

// isModule reports whether dir, relative to the repository root, holds a build descriptor.
func (r *Repository) isModule(dir string) bool {
	for _, name := range buildDescriptors {
		if _, err := os.Stat(filepath.Join(r.path, filepath.FromSlash(dir), name)); err == nil {
			return true
		}
	}
	return false
}

// StageAll stages every worktree change (additions, modifications and deletions) except paths
// under an excluded directory. It returns the changed paths it left unstaged.
func (r *Repository) StageAll(excludes []string) ([]string, error) {
	status, err := r.worktree.Status()
	if err != nil {
		return nil, WrapError(err, "failed to get worktree status")
	}
	var skipped []string
	for path, st := range status {
		if st.Worktree == git.Unmodified {
			continue
		}
		if excluded(path, excludes, r.isModule) {
			skipped = append(skipped, path)
			continue
		}
		if st.Worktree == git.Deleted {
			if _, err := r.worktree.Remove(path); err != nil {
				return nil, WrapErrorf(err, "failed to remove path %q", path)
			}
			continue
		}
		if _, err := r.worktree.Add(path); err != nil {
			return nil, WrapErrorf(err, "failed to add path %q", path)
		}
	}
	sort.Strings(skipped)
	return skipped, nil
}

// StagePaths stages the named paths, relative to the repository root.
func (r *Repository) StagePaths(paths ...string) error {
	for _, p := range paths {
		if _, err := r.worktree.Add(p); err != nil {
			return WrapErrorf(err, "failed to add path %q", p)
		}
	}
	return nil
}

// HasStagedChanges reports whether the index differs from HEAD.
func (r *Repository) HasStagedChanges() (bool, error) {
	status, err := r.worktree.Status()
	if err != nil {
		return false, WrapError(err, "failed to get worktree status")
	}
	for _, st := range status {
		if st.Staging != git.Unmodified && st.Staging != git.Untracked {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) signature() (*object.Signature, error) {
	id := r.identity
	if id.Name == "" || id.Email == "" {
		cfg, err := r.repo.Config()
		if err != nil {
			return nil, WrapError(err, "read repository config")
		}
		id = Signature{Name: cfg.User.Name, Email: cfg.User.Email}
	}
	if id.Name == "" || id.Email == "" {
		return nil, errors.New("committer name and email are required")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return &object.Signature{Name: id.Name, Email: id.Email, When: now()}, nil
}

// Commit records the index as a new commit and returns its hash. It refuses empty commits.
func (r *Repository) Commit(msg string) (string, error) {
	staged, err := r.HasStagedChanges()
	if err != nil {
		return "", err
	}
	if !staged {
		return "", ErrNothingStaged
	}
	sig, err := r.signature()
	if err != nil {
		return "", err
	}
	hash, err := r.worktree.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", WrapError(err, "failed to create commit")
	}
	return hash.String(), nil
}

// Head returns the hash HEAD points at.
func (r *Repository) Head() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", WrapError(err, "failed to get HEAD reference")
	}
	return head.Hash().String(), nil
}

// ResetToParent discards the HEAD commit: the branch, index and working tree return to its
// first parent. Files the discarded commit introduced are removed from disk.
func (r *Repository) ResetToParent() error {
	head, err := r.repo.Head()
	if err != nil {
		return WrapError(err, "failed to get HEAD reference")
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return WrapError(err, "load HEAD commit")
	}
	if commit.NumParents() == 0 {
		return ErrNoParent
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return WrapError(err, "load parent commit")
	}
	introduced, err := introducedFiles(commit, parent)
	if err != nil {
		return err
	}
	if err := r.worktree.Reset(&git.ResetOptions{Commit: parent.Hash, Mode: git.HardReset}); err != nil {
		return WrapError(err, "hard reset to parent")
	}
	for _, name := range introduced {
		p := filepath.Join(r.path, filepath.FromSlash(name))
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return WrapErrorf(err, "remove %s", name)
		}
	}
	return nil
}

// introducedFiles lists paths present in commit but absent from parent.
func introducedFiles(commit, parent *object.Commit) ([]string, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, WrapError(err, "load HEAD tree")
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, WrapError(err, "load parent tree")
	}
	var names []string
	err = tree.Files().ForEach(func(f *object.File) error {
		if _, err := parentTree.File(f.Name); errors.Is(err, object.ErrFileNotFound) {
			names = append(names, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, WrapError(err, "walk HEAD tree")
	}
	return names, nil
}

// Push sends branch to remote. An already up to date remote is not an error.
func (r *Repository) Push(ctx context.Context, remote, branch string) error {
	if remote == "" {
		remote = DefaultRemoteName
	}
	ref := plumbing.NewBranchReferenceName(branch)
	opts := &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref.String() + ":" + ref.String())},
		Auth:       r.Auth,
	}
	err := r.repo.PushContext(ctx, opts)
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return WrapErrorf(err, "push %s to %s", branch, remote)
}

// CommitCount returns how many commits are reachable from HEAD.
func (r *Repository) CommitCount() (int, error) {
	head, err := r.repo.Head()
	if err != nil {
		return 0, WrapError(err, "failed to get HEAD reference")
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, WrapError(err, "read log")
	}
	n := 0
	err = iter.ForEach(func(*object.Commit) error {
		n++
		return nil
	})
	return n, err
}

// CommitMessages returns the messages reachable from HEAD, newest first.
func (r *Repository) CommitMessages() ([]string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, WrapError(err, "failed to get HEAD reference")
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, WrapError(err, "read log")
	}
	var msgs []string
	err = iter.ForEach(func(c *object.Commit) error {
		msgs = append(msgs, strings.TrimSpace(c.Message))
		return nil
	})
	return msgs, err
}
