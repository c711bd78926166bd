package merge

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/gate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

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

func initRepoWithBranch(t *testing.T) (repo string) {
	t.Helper()
	repo = t.TempDir()
	runGit(t, repo, "init", "-b", "main")
	runGit(t, repo, "config", "user.email", "zerg@example.com")
	runGit(t, repo, "config", "user.name", "zerg")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("root\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "initial")

	runGit(t, repo, "checkout", "-b", "zerg/feature/worker-0")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "worker0.txt"), []byte("worker 0 change\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "worker 0 change")
	runGit(t, repo, "checkout", "main")
	return repo
}

func TestFullMergeFlowSucceedsWithPassingGate(t *testing.T) {
	repo := initRepoWithBranch(t)
	artifacts := t.TempDir()
	pipeline := gate.NewPipeline(artifacts, 300)
	c := NewCoordinator(repo, "main", pipeline, testLogger())

	gates := []config.GateConfig{{Name: "lint", Command: "true", Required: true, TimeoutSeconds: 5}}
	result := c.FullMergeFlow(context.Background(), 1, []string{"zerg/feature/worker-0"}, gates, false)

	require.True(t, result.Success, result.Error)
	require.NotEmpty(t, result.MergeCommit)
	require.True(t, fileExists(filepath.Join(repo, "worker0.txt")))
}

func TestFullMergeFlowRollsBackOnGateFailure(t *testing.T) {
	repo := initRepoWithBranch(t)
	artifacts := t.TempDir()
	pipeline := gate.NewPipeline(artifacts, 300)
	c := NewCoordinator(repo, "main", pipeline, testLogger())

	preHead := runGit(t, repo, "rev-parse", "HEAD")

	gates := []config.GateConfig{{Name: "lint", Command: "exit 1", Required: true, TimeoutSeconds: 5}}
	result := c.FullMergeFlow(context.Background(), 1, []string{"zerg/feature/worker-0"}, gates, false)

	require.False(t, result.Success)
	postHead := runGit(t, repo, "rev-parse", "HEAD")
	require.Equal(t, preHead, postHead)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
