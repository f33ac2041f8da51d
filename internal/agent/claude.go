package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/logging"
)

// ClaudeCode runs tasks through `claude -p` with JSON output.
type ClaudeCode struct {
	Executable string
	Model      string
	MaxTurns   int
	Timeout    time.Duration
	Logger     *logging.Logger
}

type claudeOutput struct {
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	IsError      bool    `json:"is_error"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   float64 `json:"duration_ms"`
	CostUSD      float64 `json:"cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *ClaudeCode) args(req Request) []string {
	args := []string{"-p", "--output-format", "json"}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(c.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	return args
}

func (c *ClaudeCode) Execute(ctx context.Context, req Request) (*Result, error) {
	logger := logging.OrNop(c.Logger).Named("claude")
	exe := c.Executable
	if exe == "" {
		exe = "claude"
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return nil, &ExecutionError{Role: req.Role, Err: fmt.Errorf("%w: %s", ErrExecutableNotFound, exe)}
	}
	if req.WorkDir != "" {
		if st, err := os.Stat(req.WorkDir); err != nil || !st.IsDir() {
			return nil, &ExecutionError{Role: req.Role, Err: fmt.Errorf("working directory does not exist: %s", req.WorkDir)}
		}
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, path, c.args(req)...)
	cmd.Dir = req.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	logger.Debug(ctx, "starting agent", zap.String("role", req.Role), zap.String("dir", req.WorkDir))
	if err = cmd.Start(); err == nil {
		notifyProcess(ctx, cmd.Process.Pid, true)
		err = cmd.Wait()
		notifyProcess(ctx, cmd.Process.Pid, false)
	}
	elapsed := time.Since(start)

	if err != nil {
		execErr := &ExecutionError{Role: req.Role, Stderr: strings.TrimSpace(stderr.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			execErr.Err = ctx.Err()
		}
		return nil, execErr
	}

	res, err := parseClaudeOutput(stdout.Bytes())
	if err != nil {
		return nil, &ExecutionError{Role: req.Role, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	if res.Duration == 0 {
		res.Duration = elapsed
	}
	logger.Info(ctx, "agent finished",
		zap.String("role", req.Role),
		zap.Float64("cost_usd", res.Cost),
		zap.Int("turns", res.Turns),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func parseClaudeOutput(data []byte) (*Result, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty output")
	}
	var out claudeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON output: %w", err)
	}
	if out.IsError {
		return nil, fmt.Errorf("agent reported error: %s", out.Result)
	}

	res := &Result{
		Text:         out.Result,
		SessionID:    out.SessionID,
		Cost:         out.TotalCostUSD,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Duration:     time.Duration(out.DurationMS * float64(time.Millisecond)),
		Turns:        out.NumTurns,
	}
	if res.Cost == 0 {
		res.Cost = out.CostUSD
	}
	if res.InputTokens == 0 && res.OutputTokens == 0 {
		res.InputTokens, res.OutputTokens = out.InputTokens, out.OutputTokens
	}
	return res, nil
}
