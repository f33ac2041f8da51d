package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/agent"
	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/workspace"
)

const callCost = 0.10

// fakeExecutor answers each role with a canned reply. Writing roles touch
// files in the working directory so step commits have content.
type fakeExecutor struct {
	mu        sync.Mutex
	calls     []agent.Request
	overrides map[string]func(req agent.Request, n int) (string, error)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{overrides: make(map[string]func(agent.Request, int) (string, error))}
}

func (f *fakeExecutor) Execute(ctx context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := 0
	for _, c := range f.calls {
		if c.Role == req.Role {
			n++
		}
	}
	override := f.overrides[req.Role]
	f.mu.Unlock()

	var text string
	var err error
	if override != nil {
		text, err = override(req, n)
	} else {
		text, err = defaultReply(req, n)
	}
	if err != nil {
		return nil, err
	}
	return &agent.Result{
		Text:         text,
		Cost:         callCost,
		InputTokens:  100,
		OutputTokens: 50,
		Duration:     time.Second,
		Turns:        1,
	}, nil
}

func defaultReply(req agent.Request, n int) (string, error) {
	switch req.Role {
	case pipeline.RoleRequirements:
		return `{"summary": "users can log in", "requirements": [{"id": "R1", "description": "login"}]}`, nil
	case pipeline.RolePlanning:
		return "```json\n{\"approach\": \"add a handler\"}\n```", nil
	case pipeline.RoleTestWriter:
		if err := os.WriteFile(filepath.Join(req.WorkDir, "login_test.txt"), []byte("test login\n"), 0644); err != nil {
			return "", err
		}
		return `{"files": [{"path": "login_test.txt", "is_new": true}]}`, nil
	case pipeline.RoleCoder:
		content := fmt.Sprintf("login attempt %d\n", n)
		if err := os.WriteFile(filepath.Join(req.WorkDir, "login.txt"), []byte(content), 0644); err != nil {
			return "", err
		}
		return `{"files": [{"path": "login.txt", "is_new": true}]}`, nil
	case pipeline.RoleSecurity:
		return `{"findings": []}`, nil
	case pipeline.RoleReviewer:
		return `{"findings": [{"severity": "info", "message": "looks fine"}]}`, nil
	}
	return "done", nil
}

func (f *fakeExecutor) count(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) last(role string) agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Role == role {
			return f.calls[i]
		}
	}
	return agent.Request{}
}

type fakeTests struct {
	mu    sync.Mutex
	runs  int
	fails bool
}

func (f *fakeTests) setFailing(v bool) {
	f.mu.Lock()
	f.fails = v
	f.mu.Unlock()
}

func (f *fakeTests) Run(ctx context.Context, command, workDir string, timeout time.Duration) (*models.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if f.fails {
		return &models.TestResult{Passed: false, Total: 3, Failures: 3, Output: "FAIL login", Command: command}, nil
	}
	return &models.TestResult{Passed: true, Total: 3, Output: "ok", Command: command}, nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, path string) (*agent.Detection, error) {
	return &agent.Detection{Language: "go", TestRunner: "go test", TestCommand: "go test ./..."}, nil
}

// scriptedCoordinator approves by default. Outcomes queued for a step are
// returned first; pauses queued for a step return checkpoint.ErrPaused.
type scriptedCoordinator struct {
	mu       sync.Mutex
	outcomes map[string][]checkpoint.Outcome
	pauses   map[string]int
	seen     []string
	onDecide func(rc *models.RunContext, step pipeline.Step)
}

func newScripted() *scriptedCoordinator {
	return &scriptedCoordinator{outcomes: map[string][]checkpoint.Outcome{}, pauses: map[string]int{}}
}

func (s *scriptedCoordinator) Decide(ctx context.Context, rc *models.RunContext, step pipeline.Step) (checkpoint.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, step.Name)
	if s.onDecide != nil {
		s.onDecide(rc, step)
	}
	if s.pauses[step.Name] > 0 {
		s.pauses[step.Name]--
		return checkpoint.Outcome{}, checkpoint.ErrPaused
	}
	if q := s.outcomes[step.Name]; len(q) > 0 {
		s.outcomes[step.Name] = q[1:]
		return q[0], nil
	}
	return checkpoint.Outcome{Decision: models.DecisionApprove}, nil
}

func (s *scriptedCoordinator) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type harness struct {
	repo   string
	dbPath string
	store  *storage.Storage
	ws     *workspace.Manager
	exec   *fakeExecutor
	tests  *fakeTests
	coord  *scriptedCoordinator
	logger *logging.TestLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	store, err := storage.New(context.Background(), dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &harness{
		repo:   initRepo(t),
		dbPath: dbPath,
		store:  store,
		ws:     workspace.NewManager(filepath.Join(t.TempDir(), "worktrees"), nil),
		exec:   newFakeExecutor(),
		tests:  &fakeTests{},
		coord:  newScripted(),
		logger: logging.NewTestLogger(),
	}
}

func (h *harness) options() Options {
	return Options{
		Store:       h.store,
		Workspace:   h.ws,
		Coordinator: h.coord,
		Executor:    h.exec,
		TestRunner:  h.tests,
		Detector:    fakeDetector{},
		Settings: Settings{
			MaxCodeIterations:  3,
			RequireCheckpoints: true,
			CreateGitBranch:    true,
			BranchNaming:       "levelup/{run_id}",
		},
		Logger: h.logger.Logger,
	}
}

func (h *harness) orchestrator(t *testing.T, mutate ...func(*Options)) *Orchestrator {
	t.Helper()
	opts := h.options()
	for _, m := range mutate {
		m(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func task() models.Task {
	return models.Task{Title: "Add login", Description: "Users log in with a password."}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-q", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "dev@example.com")
	gitCmd(t, dir, "config", "user.name", "Dev")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# project\n"), 0644))
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-q", "-m", "initial")
	return dir
}
