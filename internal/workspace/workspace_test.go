package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/mpataki/levelup/internal/logging"
)

func TestBranchName(t *testing.T) {
	now := time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		pattern, title, want string
	}{
		{"", "Add login", "levelup/abc123"},
		{"levelup/{run_id}", "Add login", "levelup/abc123"},
		{"feature/{task_title}", "Add OAuth2 login!!", "feature/add-oauth2-login"},
		{"feature/task-title", "Add login", "feature/add-login"},
		{"levelup/task-title-in-kebab-case", "Fix Bug", "levelup/fix-bug"},
		{"dev/date-run-id", "x", "dev/20260517-abc123"},
		{"{date}/{task_title}", "   ", "20260517/task"},
		{"bad name/{run_id}", "x", "bad-name/abc123"},
		{"weird..ref/{run_id}.lock", "x", "weird.ref/abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, BranchName(tt.pattern, "abc123", tt.title, now))
		})
	}
}

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "task", SanitizeTitle("!!!"))
	assert.Equal(t, "hello-world", SanitizeTitle("--Hello,  World--"))
	long := SanitizeTitle(strings.Repeat("word ", 30))
	assert.LessOrEqual(t, len(long), 50)
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestNormalizePattern(t *testing.T) {
	assert.Equal(t, "levelup/{run_id}", NormalizePattern("levelup/{run_id}"))
	assert.Equal(t, "feature/{task_title}", NormalizePattern("feature/task-title"))
	assert.Equal(t, "dev/{date}-{run_id}", NormalizePattern("dev/date-run-id"))
	assert.Equal(t, "identity/{run_id}", NormalizePattern("identity/id"))
}

func TestCreateCommitAndCleanup(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	base, err := HeadSHA(repo)
	require.NoError(t, err)

	m := NewManager(filepath.Join(t.TempDir(), "worktrees"), nil)
	iso, err := m.Create(ctx, repo, "run1", "levelup/run1")
	require.NoError(t, err)
	assert.Equal(t, base, iso.PreRunSHA)
	assert.Equal(t, "levelup/run1", iso.BranchName)
	assert.True(t, m.Exists(iso.WorktreePath))

	// No changes still yields a SHA.
	sha, err := m.CommitStep(ctx, iso.WorktreePath, Commit{RunID: "run1", Step: "detect", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, base, sha)

	require.NoError(t, os.WriteFile(filepath.Join(iso.WorktreePath, "a.go"), []byte("package a\n"), 0644))
	sha, err = m.CommitStep(ctx, iso.WorktreePath, Commit{RunID: "run1", Step: "coding", Label: "revised", Title: "Add a"})
	require.NoError(t, err)
	assert.NotEqual(t, base, sha)

	msg := gitCmd(t, iso.WorktreePath, "log", "-1", "--format=%B")
	assert.Contains(t, msg, "levelup(coding, revised): Add a")
	assert.Contains(t, msg, "Run ID: run1")

	files, err := m.ChangedFiles(ctx, iso.WorktreePath, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, files)

	// The main checkout is untouched.
	_, err = os.Stat(filepath.Join(repo, "a.go"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, m.Cleanup(ctx, repo, iso.WorktreePath))
	assert.False(t, m.Exists(iso.WorktreePath))
	exists, err := BranchExists(repo, "levelup/run1")
	require.NoError(t, err)
	assert.True(t, exists, "cleanup keeps the branch")

	require.NoError(t, m.Cleanup(ctx, repo, iso.WorktreePath), "cleanup is idempotent")
}

func TestCreateClearsStaleDirectoryAndAvoidsBranchClash(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	gitCmd(t, repo, "branch", "feature/x")

	tl := logging.NewTestLogger()
	m := NewManager(t.TempDir(), tl.Logger)
	stale := m.WorktreePath("run2")
	require.NoError(t, os.MkdirAll(stale, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "junk"), []byte("x"), 0644))

	iso, err := m.Create(ctx, repo, "run2", "feature/x")
	require.NoError(t, err)
	assert.Equal(t, "feature/x-run2", iso.BranchName)
	_, err = os.Stat(filepath.Join(iso.WorktreePath, "junk"))
	assert.True(t, os.IsNotExist(err))
	tl.AssertLogged(t, zapcore.WarnLevel, "stale worktree")
}

func TestCreateFailsOutsideRepository(t *testing.T) {
	m := NewManager(t.TempDir(), nil)
	_, err := m.Create(context.Background(), t.TempDir(), "run3", "levelup/run3")
	assert.Error(t, err)
}

func TestRecreateFromExistingBranch(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m := NewManager(t.TempDir(), nil)
	iso, err := m.Create(ctx, repo, "run4", "levelup/run4")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(iso.WorktreePath, "b.txt"), []byte("b"), 0644))
	tip, err := m.CommitStep(ctx, iso.WorktreePath, Commit{RunID: "run4", Step: "coding", Title: "b"})
	require.NoError(t, err)

	// Simulate the directory vanishing.
	require.NoError(t, os.RemoveAll(iso.WorktreePath))
	assert.False(t, m.Exists(iso.WorktreePath))

	require.NoError(t, m.Recreate(ctx, repo, iso.WorktreePath, iso.BranchName))
	head, err := HeadSHA(iso.WorktreePath)
	require.NoError(t, err)
	assert.Equal(t, tip, head)
	assert.FileExists(t, filepath.Join(iso.WorktreePath, "b.txt"))

	err = m.Recreate(ctx, repo, filepath.Join(t.TempDir(), "x"), "no/such-branch")
	var gerr *GitError
	assert.ErrorAs(t, err, &gerr)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m := NewManager(t.TempDir(), nil)
	iso, err := m.Create(ctx, repo, "run5", "levelup/run5")
	require.NoError(t, err)

	commit := func(name string) string {
		require.NoError(t, os.WriteFile(filepath.Join(iso.WorktreePath, name), []byte(name), 0644))
		sha, err := m.CommitStep(ctx, iso.WorktreePath, Commit{RunID: "run5", Step: name, Title: name})
		require.NoError(t, err)
		return sha
	}
	first := commit("one")
	commit("two")

	// Inside the live worktree.
	sha, err := m.Rollback(ctx, repo, iso.WorktreePath, iso.BranchName, first)
	require.NoError(t, err)
	assert.Equal(t, first, sha)
	head, err := HeadSHA(iso.WorktreePath)
	require.NoError(t, err)
	assert.Equal(t, first, head)
	assert.NoFileExists(t, filepath.Join(iso.WorktreePath, "two"))

	// Unresolvable targets fail before touching anything.
	_, err = m.Rollback(ctx, repo, iso.WorktreePath, iso.BranchName, "0123456789abcdef0123456789abcdef01234567")
	assert.Error(t, err)
	head, err = HeadSHA(iso.WorktreePath)
	require.NoError(t, err)
	assert.Equal(t, first, head)

	// Without a worktree the branch ref moves.
	require.NoError(t, m.Cleanup(ctx, repo, iso.WorktreePath))
	_, err = m.Rollback(ctx, repo, iso.WorktreePath, iso.BranchName, iso.PreRunSHA)
	require.NoError(t, err)
	tip := strings.TrimSpace(gitCmd(t, repo, "rev-parse", iso.BranchName))
	assert.Equal(t, iso.PreRunSHA, tip)
}

func TestDeleteBranch(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	m := NewManager(t.TempDir(), nil)

	iso, err := m.Create(ctx, repo, "run1", "levelup/run1")
	require.NoError(t, err)
	require.NoError(t, m.Cleanup(ctx, repo, iso.WorktreePath))

	require.NoError(t, m.DeleteBranch(ctx, repo, "levelup/run1"))
	exists, err := BranchExists(repo, "levelup/run1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, m.DeleteBranch(ctx, repo, "levelup/run1"), "deleting a missing branch is a no-op")
}
