package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mpataki/levelup/internal/models"
)

const maxTestOutput = 10000

// ShellTestRunner runs the test command through sh -c.
type ShellTestRunner struct{}

func (ShellTestRunner) Run(ctx context.Context, command, workDir string, timeout time.Duration) (*models.TestResult, error) {
	if strings.TrimSpace(command) == "" {
		return &models.TestResult{Passed: false, Output: "no test command configured"}, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	// Kill the whole process group so test subprocesses don't outlive a timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Start()
	if err == nil {
		notifyProcess(ctx, cmd.Process.Pid, true)
		err = cmd.Wait()
		notifyProcess(ctx, cmd.Process.Pid, false)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return &models.TestResult{Passed: false, Output: fmt.Sprintf("timed out after %s", timeout), Command: command}, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run tests: %w", err)
		}
	}

	output := out.String()
	if len(output) > maxTestOutput {
		output = output[:maxTestOutput] + "\n... (truncated)"
	}
	return ParseTestOutput(output, exitCode, command), nil
}

var (
	goFailRe = regexp.MustCompile(`(?m)^\s*--- FAIL`)
	goPassRe = regexp.MustCompile(`(?m)^\s*--- PASS`)
)

func numberBefore(text, keyword string) (int, bool) {
	re := regexp.MustCompile(`(\d+)\s+` + regexp.QuoteMeta(keyword))
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	return n, true
}

// ParseTestOutput extracts counts from common runner summaries. The exit
// code alone decides whether the run passed.
func ParseTestOutput(output string, exitCode int, command string) *models.TestResult {
	res := &models.TestResult{Passed: exitCode == 0, Output: output, Command: command}

	for _, line := range strings.Split(output, "\n") {
		l := strings.ToLower(strings.TrimSpace(line))

		// jest / mocha: "Tests: 2 failed, 8 passed, 10 total"
		if strings.Contains(l, "tests:") && strings.Contains(l, "total") {
			if t, ok := numberBefore(l, "total"); ok {
				res.Total = t
			}
			if f, ok := numberBefore(l, "failed"); ok {
				res.Failures = f
			}
			return res
		}

		// pytest: "4 passed, 1 failed, 2 error"
		if strings.Contains(l, "passed") && (strings.Contains(l, "failed") || strings.Contains(l, "error")) {
			p, _ := numberBefore(l, "passed")
			f, _ := numberBefore(l, "failed")
			e, _ := numberBefore(l, "error")
			res.Failures, res.Errors, res.Total = f, e, p+f+e
			return res
		}
		if strings.Contains(l, "passed") {
			if p, ok := numberBefore(l, "passed"); ok {
				res.Total = p
			}
		}
	}

	// go test -v
	if res.Total == 0 {
		fails := len(goFailRe.FindAllString(output, -1))
		passes := len(goPassRe.FindAllString(output, -1))
		res.Failures = fails
		res.Total = fails + passes
	}
	return res
}
