// Package exec runs external commands behind an interface so callers can be
// tested with a fake.
package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"sort"
	"sync"
)

// RunOpts configures one command invocation.
type RunOpts struct {
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Env is overlaid on the current environment.
	Env map[string]string
	// Combined writes stderr into Stdout, preserving interleaving.
	Combined bool
	// MaxOutput bounds each captured stream in bytes; 0 means unbounded.
	MaxOutput int
}

// CmdResult is the outcome of a command that ran to completion.
type CmdResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// CommandRunner executes commands. A non-zero exit is reported through
// ExitCode; err is only for failures to start or wait.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, opts RunOpts) (CmdResult, error)
}

// RealRunner runs commands with os/exec.
type RealRunner struct{}

func NewRealRunner() *RealRunner {
	return &RealRunner{}
}

func (r *RealRunner) Run(ctx context.Context, name string, args []string, opts RunOpts) (CmdResult, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), opts.Env)
	}
	stdout := &limitedBuffer{max: opts.MaxOutput}
	stderr := &limitedBuffer{max: opts.MaxOutput}
	cmd.Stdout = stdout
	if opts.Combined {
		cmd.Stderr = stdout
	} else {
		cmd.Stderr = stderr
	}
	err := cmd.Run()
	res := CmdResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if err != nil {
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			res.ExitCode = -1
			return res, ctx.Err()
		}
		return res, err
	}
	return res, nil
}

func mergeEnv(base []string, overlay map[string]string) []string {
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		skip := false
		for _, k := range keys {
			if len(kv) > len(k) && kv[:len(k)+1] == k+"=" {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
