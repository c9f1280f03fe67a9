package vcstest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"changegate/internal/vcs"
)

var _ vcs.PatchApplier = (*Fake)(nil)

// Fake is an in-memory vcs.PatchApplier for tests. Patches are "applied" by
// recording them; the *Fails fields force failures.
type Fake struct {
	mu          sync.Mutex
	BranchName  string
	Rev         string
	StatusText  string
	CheckFails  string
	ApplyFails  string
	CommitFails string
	PushFails   string
	NumStats    []vcs.FileStat
	Calls       []string
	Applied     []string
}

func NewFake() *Fake {
	return &Fake{BranchName: "main", Rev: "0123456789abcdef0123456789abcdef01234567"}
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

// CallLog returns a copy of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *Fake) Branch(ctx context.Context) (string, error) {
	f.record("branch")
	return f.BranchName, nil
}

func (f *Fake) Revision(ctx context.Context) (string, error) {
	f.record("revision")
	return f.Rev, nil
}

func (f *Fake) Status(ctx context.Context) (string, error) {
	f.record("status")
	return f.StatusText, nil
}

func (f *Fake) Check(ctx context.Context, patchPath string) (vcs.Outcome, error) {
	f.record("check")
	if _, err := os.Stat(patchPath); err != nil {
		return vcs.Outcome{}, err
	}
	if f.CheckFails != "" {
		return vcs.Outcome{ExitCode: 1, Output: f.CheckFails}, nil
	}
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) Stat(ctx context.Context, patchPath string) (string, error) {
	f.record("stat")
	return fmt.Sprintf(" %d files changed", len(f.NumStats)), nil
}

func (f *Fake) NumStat(ctx context.Context, patchPath string) ([]vcs.FileStat, error) {
	f.record("numstat")
	return f.NumStats, nil
}

func (f *Fake) Apply(ctx context.Context, patchPath string) (vcs.Outcome, error) {
	f.record("apply")
	if f.ApplyFails != "" {
		return vcs.Outcome{ExitCode: 1, Output: f.ApplyFails}, nil
	}
	data, err := os.ReadFile(patchPath)
	if err != nil {
		return vcs.Outcome{}, err
	}
	f.mu.Lock()
	f.Applied = append(f.Applied, string(data))
	f.mu.Unlock()
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) Restore(ctx context.Context, branch, revision string) (vcs.Outcome, error) {
	f.record("restore " + vcs.RestoreCommand(branch, revision))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BranchName = branch
	f.Rev = revision
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) CheckoutBranch(ctx context.Context, name string) (vcs.Outcome, error) {
	f.record("checkout -B " + name)
	f.mu.Lock()
	f.BranchName = name
	f.mu.Unlock()
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) Checkout(ctx context.Context, ref string) (vcs.Outcome, error) {
	f.record("checkout " + ref)
	f.mu.Lock()
	f.BranchName = ref
	f.mu.Unlock()
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) Reverse(ctx context.Context, patchPath string) (vcs.Outcome, error) {
	f.record("reverse")
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.Applied); n > 0 {
		f.Applied = f.Applied[:n-1]
	}
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) Add(ctx context.Context, paths ...string) (vcs.Outcome, error) {
	f.record(fmt.Sprintf("add %v", paths))
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) Commit(ctx context.Context, message string) (vcs.Outcome, error) {
	f.record("commit " + message)
	if f.CommitFails != "" {
		return vcs.Outcome{ExitCode: 1, Output: f.CommitFails}, nil
	}
	return vcs.Outcome{OK: true}, nil
}

func (f *Fake) Push(ctx context.Context, remote, branch string) (vcs.Outcome, error) {
	f.record("push " + remote + " " + branch)
	if f.PushFails != "" {
		return vcs.Outcome{ExitCode: 128, Output: f.PushFails}, nil
	}
	return vcs.Outcome{OK: true}, nil
}
