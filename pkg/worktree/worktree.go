// Package worktree manages per-worker git worktrees and branches over a
// shared repository (spec.md §4.3). All operations are local, driven by
// shelling out to the system git binary the way the reference shells out
// to external daemons it does not want to vendor.
package worktree

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Manager creates, deletes and rebases per-worker worktrees rooted off
// repoRoot's mainline branch.
type Manager struct {
	repoRoot  string
	worktrees string // .zerg/worktrees
	mainline  string
	log       zerolog.Logger
}

func New(repoRoot, worktreesDir, mainline string, log zerolog.Logger) *Manager {
	if mainline == "" {
		mainline = "main"
	}
	return &Manager{repoRoot: repoRoot, worktrees: worktreesDir, mainline: mainline, log: log}
}

// Branch returns the canonical branch name for (feature, workerID).
func Branch(feature string, workerID int) string {
	return fmt.Sprintf("zerg/%s/worker-%d", feature, workerID)
}

func (m *Manager) path(feature string, workerID int) string {
	return filepath.Join(m.worktrees, feature, fmt.Sprintf("worker-%d", workerID))
}

func (m *Manager) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.repoRoot
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return out.String(), nil
}

// Create produces a worktree for (feature, workerID), idempotent: if the
// path already exists it is returned as-is.
func (m *Manager) Create(feature string, workerID int) (path, branch string, err error) {
	branch = Branch(feature, workerID)
	path = m.path(feature, workerID)

	if _, statErr := os.Stat(path); statErr == nil {
		return path, branch, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create worktree parent dir: %w", err)
	}

	if _, err := m.git("worktree", "add", "-B", branch, path, m.mainline); err != nil {
		return "", "", fmt.Errorf("create worktree for worker %d: %w", workerID, err)
	}
	m.log.Info().Str("branch", branch).Str("path", path).Msg("worktree created")
	return path, branch, nil
}

// Delete force-removes the worktree and prunes its branch. It never fails
// the caller unless strict is true.
func (m *Manager) Delete(feature string, workerID int, strict bool) error {
	path := m.path(feature, workerID)
	branch := Branch(feature, workerID)

	_, err := m.git("worktree", "remove", "--force", path)
	if err != nil {
		m.log.Warn().Err(err).Str("path", path).Msg("worktree remove failed")
		if strict {
			return err
		}
	}
	os.RemoveAll(path)

	if _, err := m.git("branch", "-D", branch); err != nil && strict {
		return err
	}
	return nil
}

// Rebase rebases the worker branch onto the current mainline tip, returning
// whether it completed cleanly (false on conflict, with the repo left in
// the conflicted rebase state for the caller to abort or resolve).
func (m *Manager) Rebase(feature string, workerID int) (clean bool, err error) {
	path := m.path(feature, workerID)
	cmd := exec.Command("git", "rebase", m.mainline)
	cmd.Dir = path
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Leave it to the caller to decide whether to abort; report non-clean.
		m.log.Warn().Err(err).Str("stderr", stderr.String()).Msg("rebase did not complete cleanly")
		return false, nil
	}
	return true, nil
}

// AbortRebase aborts an in-progress rebase in the worker's worktree.
func (m *Manager) AbortRebase(feature string, workerID int) error {
	path := m.path(feature, workerID)
	cmd := exec.Command("git", "rebase", "--abort")
	cmd.Dir = path
	return cmd.Run()
}
