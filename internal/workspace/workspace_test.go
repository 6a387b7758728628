package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixline/internal/command/commandtest"
	"fixline/internal/modcli"
)

func newWorkspace(t *testing.T, fake *commandtest.Fake) Workspace {
	t.Helper()
	root := t.TempDir()
	return Workspace{
		Path:    filepath.Join(root, "ws"),
		TempDir: root,
		Mod:     modcli.New(fake, "mod"),
	}
}

func TestSyncWritesDescriptorAndCleansUp(t *testing.T) {
	fake := &commandtest.Fake{}
	var descriptor string
	fake.On("mod git sync csv", func(c commandtest.Call) (string, error) {
		descriptor = c.Argv[len(c.Argv)-1]
		data, err := os.ReadFile(descriptor)
		require.NoError(t, err)
		assert.Equal(t, "cloneUrl,branch\nhttps://example.com/acme/app.git,main\n", string(data))
		return "synced 1 repository", nil
	})
	ws := newWorkspace(t, fake)

	out, err := ws.Sync(context.Background(), "https://example.com/acme/app.git", "main", false, "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Successfully synced https://example.com/acme/app.git.")
	assert.Equal(t, ws.DescriptorPath("job-1"), descriptor)
	assert.NoFileExists(t, descriptor)
	assert.DirExists(t, ws.Path)
}

func TestSyncRemovesDescriptorOnFailure(t *testing.T) {
	fake := &commandtest.Fake{}
	fake.On("mod git sync csv", func(commandtest.Call) (string, error) { return "", errors.New("auth failed") })
	ws := newWorkspace(t, fake)

	_, err := ws.Sync(context.Background(), "https://example.com/acme/app.git", "main", false, "job-2")
	require.Error(t, err)
	assert.NoFileExists(t, ws.DescriptorPath("job-2"))
}

func TestSyncForceCleanRemovesWorkspace(t *testing.T) {
	fake := &commandtest.Fake{}
	ws := newWorkspace(t, fake)
	stale := filepath.Join(ws.Path, "stale.txt")
	require.NoError(t, os.MkdirAll(ws.Path, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	_, err := ws.Sync(context.Background(), "https://example.com/acme/app.git", "main", true, "")
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestLocate(t *testing.T) {
	ws := newWorkspace(t, &commandtest.Fake{})
	repo := filepath.Join(ws.Path, "example.com", "acme", "app")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0o755))
	// A directory with the right name but no .git is ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Path, "other", "app"), 0o755))

	got, err := ws.Locate("https://example.com/acme/app.git")
	require.NoError(t, err)
	assert.Equal(t, repo, got)

	_, err = ws.Locate("https://example.com/acme/missing.git")
	var nf *RepositoryNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing", nf.Repo)
}

func TestRepoName(t *testing.T) {
	assert.Equal(t, "app", RepoName("https://github.com/acme/app.git"))
	assert.Equal(t, "app", RepoName("https://github.com/acme/app/"))
	assert.Equal(t, "app", RepoName("git@github.com:app.git"))
}

func TestClear(t *testing.T) {
	ws := newWorkspace(t, &commandtest.Fake{})
	require.NoError(t, os.MkdirAll(filepath.Join(ws.Path, "a"), 0o755))
	require.NoError(t, ws.Clear())
	assert.NoDirExists(t, ws.Path)
	assert.Error(t, Workspace{Path: ""}.Clear())
}

func TestLocksSamePath(t *testing.T) {
	var l Locks
	assert.Same(t, l.For("/tmp/ws"), l.For("/tmp/ws/"))
	assert.NotSame(t, l.For("/tmp/ws"), l.For("/tmp/other"))
}
