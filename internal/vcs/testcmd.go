package vcs

import (
	"context"
	"errors"
	"time"

	"changegate/internal/exec"
)

// MaxTestOutput bounds captured test command output.
const MaxTestOutput = 64 << 10

// TestRun is the outcome of the configured test command.
type TestRun struct {
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Duration  string `json:"duration"`
}

// RunTests runs command through `sh -c` in dir. A timeout is reported as a
// failed run rather than an error.
func RunTests(ctx context.Context, runner exec.CommandRunner, dir, command string, timeout time.Duration) (TestRun, error) {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	res, err := runner.Run(ctx, "sh", []string{"-c", command}, exec.RunOpts{Dir: dir, Env: nonInteractiveEnv(), Combined: true, MaxOutput: MaxTestOutput})
	run := TestRun{
		Command:   command,
		ExitCode:  res.ExitCode,
		Output:    res.Stdout,
		Truncated: res.Truncated,
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			run.TimedOut = true
			run.ExitCode = -1
			return run, nil
		}
		return run, err
	}
	return run, nil
}
