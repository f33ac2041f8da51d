// Package workspace gives each run its own branch and git worktree so
// concurrent runs never share a working tree.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/logging"
)

type Manager struct {
	baseDir string
	logger  *logging.Logger
}

// NewManager places worktrees under baseDir/<run_id>.
func NewManager(baseDir string, logger *logging.Logger) *Manager {
	return &Manager{baseDir: baseDir, logger: logging.OrNop(logger).Named("workspace")}
}

// Isolation describes the branch and worktree created for a run.
type Isolation struct {
	RepoPath     string
	WorktreePath string
	BranchName   string
	PreRunSHA    string
}

func (m *Manager) WorktreePath(runID string) string {
	return filepath.Join(m.baseDir, runID)
}

// Create branches from the repository's current HEAD into a fresh worktree.
// Any directory left behind at the worktree path by an earlier attempt is removed.
func (m *Manager) Create(ctx context.Context, repoPath, runID, branch string) (*Isolation, error) {
	root, err := RepoRoot(repoPath)
	if err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", repoPath, err)
	}
	sha, err := HeadSHA(root)
	if err != nil {
		return nil, err
	}

	exists, err := BranchExists(root, branch)
	if err != nil {
		return nil, err
	}
	if exists {
		branch = branch + "-" + runID
	}

	path := m.WorktreePath(runID)
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		m.logger.Warn(ctx, "removing stale worktree directory", zap.String("path", path))
		if _, err := runGit(ctx, root, "worktree", "remove", "--force", path); err != nil {
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("failed to clear stale worktree %s: %w", path, err)
			}
		}
	}
	if _, err := runGit(ctx, root, "worktree", "prune"); err != nil {
		return nil, err
	}

	if _, err := runGit(ctx, root, "worktree", "add", "-b", branch, path, sha); err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "created worktree",
		zap.String("branch", branch), zap.String("path", path), zap.String("base", sha))
	return &Isolation{RepoPath: root, WorktreePath: path, BranchName: branch, PreRunSHA: sha}, nil
}

// Exists reports whether the worktree directory is still a checkout.
func (m *Manager) Exists(worktreePath string) bool {
	if worktreePath == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(worktreePath, ".git"))
	return err == nil
}

// Recreate checks the existing branch out into worktreePath at its current tip.
// The branch itself is never recreated.
func (m *Manager) Recreate(ctx context.Context, repoPath, worktreePath, branch string) error {
	exists, err := BranchExists(repoPath, branch)
	if err != nil {
		return err
	}
	if !exists {
		return &GitError{Op: "recreate worktree", Err: fmt.Errorf("branch %s no longer exists", branch)}
	}
	if _, err := runGit(ctx, repoPath, "worktree", "prune"); err != nil {
		return err
	}
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("failed to clear %s: %w", worktreePath, err)
	}
	if _, err := runGit(ctx, repoPath, "worktree", "add", worktreePath, branch); err != nil {
		return err
	}
	m.logger.Info(ctx, "recreated worktree", zap.String("branch", branch), zap.String("path", worktreePath))
	return nil
}

// Commit describes a step commit.
type Commit struct {
	RunID string
	Step  string
	Label string // "revised", "instruct"; empty for a plain step
	Title string
}

func (c Commit) Message() string {
	scope := c.Step
	if c.Label != "" {
		scope += ", " + c.Label
	}
	return fmt.Sprintf("levelup(%s): %s\n\nRun ID: %s", scope, c.Title, c.RunID)
}

// CommitStep stages everything in the worktree and commits it. When nothing
// changed no commit is made; the current HEAD is returned either way so the
// caller can record it as the step's commit.
func (m *Manager) CommitStep(ctx context.Context, worktreePath string, c Commit) (string, error) {
	if _, err := runGit(ctx, worktreePath, "add", "-A"); err != nil {
		return "", err
	}

	_, err := runGit(ctx, worktreePath, "diff", "--cached", "--quiet")
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		m.logger.Debug(ctx, "no changes to commit", zap.String("step", c.Step))
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		args := append(identityArgs(ctx, worktreePath), "commit", "--no-verify", "-m", c.Message())
		if _, err := runGit(ctx, worktreePath, args...); err != nil {
			return "", err
		}
	default:
		return "", err
	}
	return HeadSHA(worktreePath)
}

// identityArgs supplies a committer when the repository has none configured.
func identityArgs(ctx context.Context, dir string) []string {
	if out, err := runGit(ctx, dir, "config", "user.email"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	return []string{"-c", "user.name=levelup", "-c", "user.email=levelup@localhost"}
}

// Cleanup removes the worktree. The branch stays in the main repository.
func (m *Manager) Cleanup(ctx context.Context, repoPath, worktreePath string) error {
	if !m.Exists(worktreePath) {
		return nil
	}
	if _, err := runGit(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		return err
	}
	m.logger.Info(ctx, "removed worktree", zap.String("path", worktreePath))
	return nil
}

// Rollback resets branch to target. The target is resolved before anything is
// touched; with a live worktree the reset happens inside it, otherwise the
// branch ref is moved in the main repository.
func (m *Manager) Rollback(ctx context.Context, repoPath, worktreePath, branch, target string) (string, error) {
	sha, err := ResolveCommit(repoPath, target)
	if err != nil {
		return "", fmt.Errorf("cannot resolve rollback target %s: %w", target, err)
	}

	if m.Exists(worktreePath) {
		if _, err := runGit(ctx, worktreePath, "reset", "--hard", sha); err != nil {
			return "", err
		}
	} else {
		if branch == "" {
			return "", &GitError{Op: "rollback", Err: errors.New("run has neither a worktree nor a branch")}
		}
		if _, err := runGit(ctx, repoPath, "branch", "-f", branch, sha); err != nil {
			return "", err
		}
	}
	m.logger.Info(ctx, "rolled back", zap.String("branch", branch), zap.String("sha", sha))
	return sha, nil
}

// ChangedFiles lists files that differ from since, including uncommitted and
// untracked files.
func (m *Manager) ChangedFiles(ctx context.Context, dir, since string) ([]string, error) {
	diff, err := runGit(ctx, dir, "diff", "--name-only", since)
	if err != nil {
		return nil, err
	}
	untracked, err := runGit(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(diff+"\n"+untracked, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
	}
	return files, nil
}

// DeleteBranch force-deletes a run branch. Only explicit deletion of a run
// calls this; terminal runs keep their branch.
func (m *Manager) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	exists, err := BranchExists(repoPath, branch)
	if err != nil || !exists {
		return err
	}
	if _, err := runGit(ctx, repoPath, "branch", "-D", branch); err != nil {
		return err
	}
	m.logger.Info(ctx, "deleted branch", zap.String("branch", branch))
	return nil
}
