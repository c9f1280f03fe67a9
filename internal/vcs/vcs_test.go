package vcs_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changegate/internal/exec"
	"changegate/internal/vcs"
	"changegate/internal/vcs/vcstest"
)

const helloPatch = `diff --git a/hello.txt b/hello.txt
--- a/hello.txt
+++ b/hello.txt
@@ -1 +1,2 @@
 hello
+world
diff --git a/docs/new.md b/docs/new.md
new file mode 100644
--- /dev/null
+++ b/docs/new.md
@@ -0,0 +1 @@
+# new
`

// scriptedRunner answers commands from a table keyed by the joined argv.
type scriptedRunner struct {
	results map[string]exec.CmdResult
	calls   []string
	envs    []map[string]string
}

func (r *scriptedRunner) Run(_ context.Context, name string, args []string, opts exec.RunOpts) (exec.CmdResult, error) {
	key := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, key)
	r.envs = append(r.envs, opts.Env)
	return r.results[key], nil
}

func TestParsePatch(t *testing.T) {
	sum, err := vcs.ParsePatch(helloPatch)
	require.NoError(t, err)
	require.Len(t, sum.Files, 2)
	assert.Equal(t, vcs.FileChange{Path: "hello.txt", Op: "modify", Added: 1}, sum.Files[0])
	assert.Equal(t, vcs.FileChange{Path: "docs/new.md", Op: "add", Added: 1}, sum.Files[1])
	assert.Equal(t, 2, sum.Added)
	assert.Equal(t, []string{"hello.txt", "docs/new.md"}, sum.Paths())
}

func TestParseNumStat(t *testing.T) {
	stats := vcs.ParseNumStat("1\t0\thello.txt\n-\t-\tlogo.png\n\n")
	assert.Equal(t, []vcs.FileStat{{Path: "hello.txt", Added: 1}, {Path: "logo.png", Added: -1, Removed: -1}}, stats)
}

func TestRestoreCommand(t *testing.T) {
	assert.Equal(t, "git checkout main && git reset --hard abc", vcs.RestoreCommand("main", "abc"))
	assert.Equal(t, "git checkout --detach abc", vcs.RestoreCommand("HEAD", "abc"))
}

func TestGitUsesNonInteractiveEnvAndReportsFailure(t *testing.T) {
	r := &scriptedRunner{results: map[string]exec.CmdResult{
		"git apply --check p.diff": {ExitCode: 1, Stderr: "error: patch failed: hello.txt:1\n"},
		"git rev-parse HEAD":       {Stdout: "abc123\n"},
	}}
	g := &vcs.Git{Runner: r, Dir: "/ws"}
	out, err := g.Check(context.Background(), "p.diff")
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, "error: patch failed: hello.txt:1", out.Output)

	rev, err := g.Revision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", rev)
	assert.Equal(t, "0", r.envs[0]["GIT_TERMINAL_PROMPT"])
	assert.Equal(t, "1", r.envs[0]["GH_PROMPT_DISABLED"])

	_, err = g.Branch(context.Background())
	assert.NoError(t, err, "zero-value result is exit 0")
}

func TestRestoreStopsWhenCheckoutFails(t *testing.T) {
	r := &scriptedRunner{results: map[string]exec.CmdResult{
		"git checkout main": {ExitCode: 1, Stderr: "error: pathspec"},
	}}
	g := &vcs.Git{Runner: r}
	out, err := g.Restore(context.Background(), "main", "abc")
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, []string{"git checkout main"}, r.calls)
}

func TestGitAgainstRealRepository(t *testing.T) {
	dir := t.TempDir()
	vcstest.InitRepo(t, dir, map[string]string{"hello.txt": "hello\n"})
	g := vcs.NewGit(dir, nil)
	ctx := context.Background()

	branch, err := g.Branch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	rev, err := g.Revision(ctx)
	require.NoError(t, err)
	assert.Len(t, rev, 40)

	patchPath := filepath.Join(t.TempDir(), "p.diff")
	require.NoError(t, os.WriteFile(patchPath, []byte(helloPatch), 0o644))

	out, err := g.Check(ctx, patchPath)
	require.NoError(t, err)
	require.True(t, out.OK, out.Output)

	stats, err := g.NumStat(ctx, patchPath)
	require.NoError(t, err)
	assert.Equal(t, []vcs.FileStat{{Path: "hello.txt", Added: 1}, {Path: "docs/new.md", Added: 1}}, stats)

	stat, err := g.Stat(ctx, patchPath)
	require.NoError(t, err)
	assert.Contains(t, stat, "2 files changed")

	out, err = g.Apply(ctx, patchPath)
	require.NoError(t, err)
	require.True(t, out.OK, out.Output)
	status, err := g.Status(ctx)
	require.NoError(t, err)
	assert.Contains(t, status, "A  docs/new.md")

	out, err = g.Check(ctx, patchPath)
	require.NoError(t, err)
	assert.False(t, out.OK, "patch no longer applies on top of itself")

	out, err = g.Reverse(ctx, patchPath)
	require.NoError(t, err)
	require.True(t, out.OK, out.Output)
	status, err = g.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)

	out, err = g.CheckoutBranch(ctx, "feature")
	require.NoError(t, err)
	require.True(t, out.OK, out.Output)
	out, err = g.Apply(ctx, patchPath)
	require.NoError(t, err)
	require.True(t, out.OK, out.Output)
	out, err = g.Checkout(ctx, "main")
	require.NoError(t, err)
	require.True(t, out.OK, out.Output)
	branch, err = g.Branch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	out, err = g.Restore(ctx, branch, rev)
	require.NoError(t, err)
	require.True(t, out.OK, out.Output)
	status, err = g.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestRunTests(t *testing.T) {
	vcstest.RequireGit(t)
	dir := t.TempDir()
	run, err := vcs.RunTests(context.Background(), exec.NewRealRunner(), dir, "echo ok; echo bad >&2; exit 2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, run.ExitCode)
	assert.Contains(t, run.Output, "ok")
	assert.Contains(t, run.Output, "bad")

	run, err = vcs.RunTests(context.Background(), exec.NewRealRunner(), dir, "sleep 5", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, run.TimedOut)
	assert.Equal(t, -1, run.ExitCode)
}
