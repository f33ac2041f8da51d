package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GitError wraps a failed git invocation with its output.
type GitError struct {
	Op     string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", e.Op, e.Err, out)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), &GitError{Op: strings.Join(args, " "), Output: buf.String(), Err: err}
	}
	return buf.String(), nil
}

func openRepo(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, &GitError{Op: "open " + path, Err: err}
	}
	return repo, nil
}

// HeadSHA returns the commit HEAD points at in the repository or worktree at path.
func HeadSHA(path string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", &GitError{Op: "resolve HEAD", Err: err}
	}
	return ref.Hash().String(), nil
}

// ResolveCommit resolves rev to a commit SHA that exists in the repository.
func ResolveCommit(path, rev string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", &GitError{Op: "resolve " + rev, Err: err}
	}
	if _, err := repo.CommitObject(*hash); err != nil {
		return "", &GitError{Op: "load commit " + rev, Err: err}
	}
	return hash.String(), nil
}

func BranchExists(repoPath, branch string) (bool, error) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err == plumbing.ErrReferenceNotFound {
		return false, nil
	}
	if err != nil {
		return false, &GitError{Op: "lookup branch " + branch, Err: err}
	}
	return true, nil
}

// RepoRoot returns the top-level directory of the repository containing path.
func RepoRoot(path string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", &GitError{Op: "worktree " + path, Err: err}
	}
	return wt.Filesystem.Root(), nil
}
