package tactile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingExecutor counts spawns and returns canned results.
type recordingExecutor struct {
	mu       sync.Mutex
	commands []Command
	spawned  atomic.Int32
	result   ExecutionResult
}

func (r *recordingExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	r.spawned.Add(1)
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	res := r.result
	return &res, nil
}

func (r *recordingExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{Name: "recording", SandboxMode: SandboxDocker}
}

func (r *recordingExecutor) Validate(Command) error { return nil }

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{"plain", "pytest -q tests", []string{"pytest", "-q", "tests"}, false},
		{"extra spaces", "  go   test  ./... ", []string{"go", "test", "./..."}, false},
		{"single quotes", "sh -c 'exit 3'", []string{"sh", "-c", "exit 3"}, false},
		{"double quotes", `pytest -k "a \"b\""`, []string{"pytest", "-k", `a "b"`}, false},
		{"escaped space", `ls a\ b`, []string{"ls", "a b"}, false},
		{"empty quotes", `echo ""`, []string{"echo", ""}, false},
		{"unterminated", `echo "oops`, nil, true},
		{"trailing backslash", `echo \`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitCommand(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowlist_Check(t *testing.T) {
	allow := DefaultAllowlist()

	allowed := []string{"pytest", "pytest -q tests/", "python -m pytest", "go test ./...", "ruff check .", "git status"}
	for _, cmd := range allowed {
		assert.NoError(t, allow.Check(cmd), cmd)
	}

	rejected := []string{
		"rm -rf /",
		"pytest; rm -rf /",
		"pytest && curl evil",
		"pytest | tee out",
		"echo $HOME",
		"pytest `id`",
		"pytest\nrm -rf /",
		"git push origin main",
		"",
		"   ",
	}
	for _, cmd := range rejected {
		err := allow.Check(cmd)
		assert.ErrorIs(t, err, ErrCommandNotAllowed, "%q", cmd)
	}
}

func TestNewAllowlist_InvalidPattern(t *testing.T) {
	_, err := NewAllowlist([]string{"("})
	assert.Error(t, err)
}

func TestSandboxRunner_RejectsBeforeSpawn(t *testing.T) {
	exec := &recordingExecutor{}
	runner, err := NewSandboxRunner(RunnerConfig{}, exec)
	require.NoError(t, err)

	var blocked atomic.Int32
	runner.Audit().AddCallback(func(e AuditEvent) {
		if e.Type == AuditEventBlocked {
			blocked.Add(1)
		}
	})

	res, err := runner.Run(context.Background(), "rm -rf /", t.TempDir(), 0, nil)
	require.ErrorIs(t, err, ErrCommandNotAllowed)
	assert.True(t, res.NotAllowed)
	assert.Equal(t, ExitNotAllowed, res.ExitCode)
	assert.False(t, res.OK)
	assert.Zero(t, exec.spawned.Load())
	assert.Equal(t, int32(1), blocked.Load())
	assert.Equal(t, int64(1), runner.Audit().GetMetrics().BlockedExecutions)
}

func TestSandboxRunner_PassesArgvAndLimits(t *testing.T) {
	exec := &recordingExecutor{result: ExecutionResult{Success: true, ExitCode: 0, Stdout: "2 passed"}}
	runner, err := NewSandboxRunner(RunnerConfig{
		Image:          "ambient-sandbox:test",
		TmpfsSize:      "64m",
		ReadOnlyPaths:  []string{"/repo/.git"},
		Limits:         ResourceLimits{MaxMemoryBytes: 1 << 30, MaxProcesses: 50},
		DefaultTimeout: time.Minute,
	}, exec)
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), `pytest -k "not slow"`, "/work", 0, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "2 passed", res.Stdout)

	require.Len(t, exec.commands, 1)
	cmd := exec.commands[0]
	assert.Equal(t, "pytest", cmd.Binary)
	assert.Equal(t, []string{"-k", "not slow"}, cmd.Arguments)
	assert.Equal(t, "/work", cmd.WorkingDirectory)
	require.NotNil(t, cmd.Limits)
	assert.Equal(t, int64(60000), cmd.Limits.TimeoutMs)
	assert.Equal(t, int64(1<<30), cmd.Limits.MaxMemoryBytes)
	require.NotNil(t, cmd.Limits.NetworkAllowed)
	assert.False(t, *cmd.Limits.NetworkAllowed)
	require.NotNil(t, cmd.Sandbox)
	assert.Equal(t, SandboxDocker, cmd.Sandbox.Mode)
	assert.Equal(t, "ambient-sandbox:test", cmd.Sandbox.Image)
	assert.Equal(t, []string{"/repo/.git"}, cmd.Sandbox.ReadOnlyPaths)
}

func TestSandboxRunner_HostNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	runner, err := NewSandboxRunner(RunnerConfig{AllowedCommands: []string{`^sh\s`}}, NewDirectExecutor())
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), "sh -c 'echo out; echo err >&2; exit 3'", t.TempDir(), 0, nil)
	require.NoError(t, err, "a non-zero exit is reported through the result")
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.OK)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stderr, "err")
}

func TestSandboxRunner_HostTimeout(t *testing.T) {
	skipOnWindows(t)
	runner, err := NewSandboxRunner(RunnerConfig{AllowedCommands: []string{`^sleep\s`}}, NewDirectExecutor())
	require.NoError(t, err)

	start := time.Now()
	res, err := runner.Run(context.Background(), "sleep 10", t.TempDir(), 200*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, res.TimedOut)
	assert.Equal(t, ExitTimedOut, res.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSandboxRunner_VerifyKeepsOrderAndIsolatesFailures(t *testing.T) {
	skipOnWindows(t)
	runner, err := NewSandboxRunner(RunnerConfig{
		AllowedCommands: []string{`^sh\s`, `^sleep\s`, `^true$`},
		MaxConcurrency:  2,
		DefaultTimeout:  300 * time.Millisecond,
	}, NewDirectExecutor())
	require.NoError(t, err)

	verdict := runner.Verify(context.Background(), t.TempDir(), []Check{
		{Name: "slow", Command: "sleep 5"},
		{Name: "fails", Command: "sh -c 'exit 1'"},
		{Name: "passes", Command: "true"},
		{Name: "blocked", Command: "curl http://example.com"},
	})

	assert.False(t, verdict.OK)
	require.Len(t, verdict.Checks, 4)
	names := make([]string, 0, 4)
	for _, c := range verdict.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"slow", "fails", "passes", "blocked"}, names)
	assert.True(t, verdict.Checks[0].TimedOut)
	assert.Equal(t, 1, verdict.Checks[1].ExitCode)
	assert.True(t, verdict.Checks[2].OK)
	assert.True(t, verdict.Checks[3].NotAllowed)
}

func TestSandboxRunner_VerifyAllPass(t *testing.T) {
	exec := &recordingExecutor{result: ExecutionResult{Success: true}}
	runner, err := NewSandboxRunner(RunnerConfig{MaxConcurrency: 4}, exec)
	require.NoError(t, err)

	verdict := runner.Verify(context.Background(), "/work", []Check{
		{Name: "tests", Command: "pytest"},
		{Name: "lint", Command: "ruff check ."},
	})
	assert.True(t, verdict.OK)
	assert.Equal(t, int32(2), exec.spawned.Load())
}

func TestNewSandboxRunner_RequiresExecutor(t *testing.T) {
	_, err := NewSandboxRunner(RunnerConfig{}, nil)
	assert.Error(t, err)
}

func TestDoctorReport_OK(t *testing.T) {
	report := DoctorReport{Checks: []DoctorCheck{
		{Name: "git", Required: true, OK: true},
		{Name: "isolation", Required: false, OK: false},
	}}
	assert.True(t, report.OK())

	report.Checks = append(report.Checks, DoctorCheck{Name: "docker", Required: true})
	assert.False(t, report.OK())
}

func TestDoctor_HostModeWarnsAboutIsolation(t *testing.T) {
	skipOnWindows(t)
	report := Doctor(context.Background(), RunnerConfig{Mode: SandboxHost})
	var found bool
	for _, c := range report.Checks {
		if c.Name == "isolation" {
			found = true
			assert.False(t, c.OK)
			assert.False(t, c.Required)
		}
	}
	assert.True(t, found)
}

func TestDetectChecks(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"go.mod", "Makefile"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "tests"), 0o755))

	checks := DetectChecks(root)
	var names []string
	allow := DefaultAllowlist()
	for _, c := range checks {
		names = append(names, c.Name)
		assert.True(t, allow.Allowed(c.Command), c.Command)
	}
	assert.Equal(t, []string{"pytest", "go-vet", "go-test", "make-test"}, names)
	assert.Empty(t, DetectChecks(t.TempDir()))
}
