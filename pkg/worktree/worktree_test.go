package worktree

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Run(), "git %v: %s", args, stderr.String())
	return out.String()
}

func initMainline(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	runGit(t, repo, "init", "-b", "main")
	runGit(t, repo, "config", "user.email", "zerg@example.com")
	runGit(t, repo, "config", "user.name", "zerg")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("root\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "initial")
	return repo
}

func TestBranchNaming(t *testing.T) {
	assert.Equal(t, "zerg/checkout/worker-3", Branch("checkout", 3))
}

func TestCreateIsIdempotent(t *testing.T) {
	repo := initMainline(t)
	mgr := New(repo, filepath.Join(repo, ".zerg-worktrees"), "main", zerolog.Nop())

	path1, branch1, err := mgr.Create("checkout", 1)
	require.NoError(t, err)
	assert.Equal(t, "zerg/checkout/worker-1", branch1)
	assert.DirExists(t, path1)

	path2, branch2, err := mgr.Create("checkout", 1)
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
	assert.Equal(t, branch1, branch2)
}

func TestCreateTracksMainlineTip(t *testing.T) {
	repo := initMainline(t)
	mgr := New(repo, filepath.Join(repo, ".zerg-worktrees"), "main", zerolog.Nop())

	path, _, err := mgr.Create("checkout", 1)
	require.NoError(t, err)

	out := runGit(t, path, "log", "--oneline", "-1")
	assert.Contains(t, out, "initial")
}

func TestDeleteRemovesWorktreeAndBranch(t *testing.T) {
	repo := initMainline(t)
	mgr := New(repo, filepath.Join(repo, ".zerg-worktrees"), "main", zerolog.Nop())

	path, branch, err := mgr.Create("checkout", 2)
	require.NoError(t, err)
	require.NoError(t, mgr.Delete("checkout", 2, true))

	assert.NoDirExists(t, path)
	branches := runGit(t, repo, "branch", "--list", branch)
	assert.Empty(t, branches)
}

func TestRebaseCleanWhenNoConflict(t *testing.T) {
	repo := initMainline(t)
	mgr := New(repo, filepath.Join(repo, ".zerg-worktrees"), "main", zerolog.Nop())

	path, _, err := mgr.Create("checkout", 1)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "worker.txt"), []byte("a\n"), 0o644))
	runGit(t, path, "add", ".")
	runGit(t, path, "commit", "-m", "worker change")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "mainline.txt"), []byte("b\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "mainline advances")

	clean, err := mgr.Rebase("checkout", 1)
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestRebaseConflictReturnsNotClean(t *testing.T) {
	repo := initMainline(t)
	mgr := New(repo, filepath.Join(repo, ".zerg-worktrees"), "main", zerolog.Nop())

	path, _, err := mgr.Create("checkout", 1)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("worker edit\n"), 0o644))
	runGit(t, path, "add", ".")
	runGit(t, path, "commit", "-m", "worker edits README")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("mainline edit\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "mainline edits README")

	clean, err := mgr.Rebase("checkout", 1)
	require.NoError(t, err)
	assert.False(t, clean)

	require.NoError(t, mgr.AbortRebase("checkout", 1))
}
