package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/tts/engine"
	"github.com/book-expert/voice-render-service/internal/tts/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPoll  = 20 * time.Millisecond
	testGrace = 300 * time.Millisecond
	testSlack = 3 * time.Second
)

type fakeProbe struct {
	class thermal.Class
	calls atomic.Int32
}

func (f *fakeProbe) Query(_ context.Context) thermal.Sample {
	f.calls.Add(1)

	return thermal.Sample{TemperatureC: 91, Class: f.class}
}

type fixture struct {
	dir  string
	opts engine.Options
	job  engine.Job
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "engine-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// newFixture lays out a model directory, a manifest and a fake engine script
// run through /bin/sh.
func newFixture(t *testing.T, script string) fixture {
	t.Helper()

	dir := t.TempDir()
	modelDir := filepath.Join(dir, "model")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "iter-525000-avg-2.pt"), []byte("ckpt"), 0o600))

	manifestPath := filepath.Join(dir, "manifest.tsv")
	require.NoError(t, os.WriteFile(manifestPath, []byte("seg_001\tp\ta.wav\tHello.\n"), 0o600))

	scriptPath := filepath.Join(dir, "engine.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	return fixture{
		dir: dir,
		opts: engine.Options{
			Executable:        "/bin/sh",
			Args:              []string{scriptPath},
			WorkDir:           dir,
			ModelDir:          modelDir,
			CheckpointName:    "iter-525000-avg-2.pt",
			Tokenizer:         "espeak",
			Language:          "vi",
			GPUMemoryFraction: 0.9,
			PollInterval:      testPoll,
			KillGrace:         testGrace,
			MinTimeout:        time.Minute,
			PerSegmentTimeout: time.Second,
		},
		job: engine.Job{
			ID:           "job-1",
			ManifestPath: manifestPath,
			OutputDir:    filepath.Join(dir, "out"),
			SegmentCount: 1,
		},
	}
}

func startAsync(t *testing.T, runner *engine.Runner, job engine.Job) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)

	go func() {
		errCh <- runner.Run(context.Background(), job)
	}()

	require.Eventually(t, runner.Control().Running, 2*time.Second, 5*time.Millisecond)

	return errCh
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()

	select {
	case err := <-errCh:
		return err
	case <-time.After(testSlack + testGrace + testPoll):
		t.Fatal("engine run did not return in time")

		return nil
	}
}

func TestRunner_Success(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "exit 0")
	runner := engine.NewRunner(fix.opts, &fakeProbe{class: thermal.ClassNormal}, nil, newTestLogger(t))

	err := runner.Run(context.Background(), fix.job)
	require.NoError(t, err)

	_, active := runner.Control().Active()
	assert.False(t, active)
	assert.DirExists(t, fix.job.OutputDir)
}

func TestRunner_InvocationAndEnvironment(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, `printf '%s\n' "$@" > "$ARGS_OUT"
echo "$LANG|$LC_ALL|$PYTHONIOENCODING|$CUDA_MEMORY_FRACTION" > "$ENV_OUT"
pwd > "$PWD_OUT"`)

	argsOut := filepath.Join(fix.dir, "args.txt")
	envOut := filepath.Join(fix.dir, "env.txt")
	pwdOut := filepath.Join(fix.dir, "pwd.txt")
	fix.opts.Env = []string{"ARGS_OUT=" + argsOut, "ENV_OUT=" + envOut, "PWD_OUT=" + pwdOut}

	runner := engine.NewRunner(fix.opts, nil, nil, newTestLogger(t))
	require.NoError(t, runner.Run(context.Background(), fix.job))

	args, err := os.ReadFile(argsOut)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--model-dir", fix.opts.ModelDir,
		"--checkpoint-name", "iter-525000-avg-2.pt",
		"--tokenizer", "espeak",
		"--lang", "vi",
		"--test-list", fix.job.ManifestPath,
		"--res-dir", fix.job.OutputDir,
	}, strings.Split(strings.TrimSpace(string(args)), "\n"))

	env, err := os.ReadFile(envOut)
	require.NoError(t, err)
	assert.Equal(t, "C.UTF-8|C.UTF-8|utf-8|0.9", strings.TrimSpace(string(env)))

	pwd, err := os.ReadFile(pwdOut)
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(fix.dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, strings.TrimSpace(string(pwd)))
}

func TestRunner_ProcessError(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "echo partial\necho 'CUDA out of memory' >&2\nexit 3")
	runner := engine.NewRunner(fix.opts, nil, nil, newTestLogger(t))

	err := runner.Run(context.Background(), fix.job)
	require.ErrorIs(t, err, core.ErrProcess)

	var processErr *core.ProcessError
	require.True(t, errors.As(err, &processErr))
	assert.Equal(t, 3, processErr.ExitCode)
	assert.Contains(t, processErr.Stdout, "partial")
	assert.Contains(t, processErr.Stderr, "CUDA out of memory")
	assert.NotErrorIs(t, err, core.ErrCancelled)
}

func TestRunner_Preconditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(fix *fixture)
		want   string
	}{
		{
			name:   "missing manifest",
			mutate: func(fix *fixture) { fix.job.ManifestPath = filepath.Join(fix.dir, "absent.tsv") },
			want:   "manifest",
		},
		{
			name:   "missing model directory",
			mutate: func(fix *fixture) { fix.opts.ModelDir = filepath.Join(fix.dir, "no-model") },
			want:   "model directory",
		},
		{
			name:   "missing checkpoint",
			mutate: func(fix *fixture) { fix.opts.CheckpointName = "absent.pt" },
			want:   "checkpoint",
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fix := newFixture(t, "touch \"$0.ran\"")
			testCase.mutate(&fix)

			runner := engine.NewRunner(fix.opts, nil, nil, newTestLogger(t))
			err := runner.Run(context.Background(), fix.job)

			require.ErrorIs(t, err, core.ErrNotFound)
			assert.Contains(t, err.Error(), testCase.want)
			assert.NoFileExists(t, filepath.Join(fix.dir, "engine.sh.ran"))
		})
	}
}

func TestRunner_CancelRequest(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "exec sleep 30")
	runner := engine.NewRunner(fix.opts, &fakeProbe{class: thermal.ClassNormal}, nil, newTestLogger(t))

	errCh := startAsync(t, runner, fix.job)
	requested := time.Now()

	require.True(t, runner.Control().RequestStop())

	err := waitResult(t, errCh)
	require.ErrorIs(t, err, core.ErrCancelled)
	assert.NotErrorIs(t, err, core.ErrProcess)
	assert.Less(t, time.Since(requested), testPoll+testGrace+time.Second)

	_, active := runner.Control().Active()
	assert.False(t, active)
	assert.False(t, runner.Control().RequestStop())
}

func TestRunner_CancelEscalatesToKill(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "trap '' TERM\nexec sleep 30")
	runner := engine.NewRunner(fix.opts, nil, nil, newTestLogger(t))

	errCh := startAsync(t, runner, fix.job)
	requested := time.Now()

	runner.Control().RequestStop()

	err := waitResult(t, errCh)
	require.ErrorIs(t, err, core.ErrCancelled)
	assert.GreaterOrEqual(t, time.Since(requested), testGrace)
}

func TestRunner_ContextCancel(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "exec sleep 30")
	runner := engine.NewRunner(fix.opts, nil, nil, newTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- runner.Run(ctx, fix.job)
	}()

	require.Eventually(t, runner.Control().Running, 2*time.Second, 5*time.Millisecond)
	cancel()

	err := waitResult(t, errCh)
	require.ErrorIs(t, err, core.ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunner_ThermalEmergency(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "exec sleep 30")
	probe := &fakeProbe{class: thermal.ClassEmergency}
	runner := engine.NewRunner(fix.opts, probe, nil, newTestLogger(t))

	err := runner.Run(context.Background(), fix.job)

	require.ErrorIs(t, err, core.ErrOverheated)
	assert.Positive(t, probe.calls.Load())
}

func TestRunner_ThrottleIsNotEnforced(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "sleep 0.2\nexit 0")
	probe := &fakeProbe{class: thermal.ClassThrottle}
	runner := engine.NewRunner(fix.opts, probe, nil, newTestLogger(t))

	require.NoError(t, runner.Run(context.Background(), fix.job))
	assert.Positive(t, probe.calls.Load())
}

func TestRunner_CancelTakesPriorityOverThermal(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "exec sleep 30")
	fix.opts.PollInterval = 300 * time.Millisecond

	runner := engine.NewRunner(fix.opts, &fakeProbe{class: thermal.ClassEmergency}, nil, newTestLogger(t))

	errCh := startAsync(t, runner, fix.job)
	runner.Control().RequestStop()

	err := waitResult(t, errCh)
	require.ErrorIs(t, err, core.ErrCancelled)
	assert.NotErrorIs(t, err, core.ErrOverheated)
}

func TestRunner_Timeout(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "exec sleep 30")
	fix.opts.MinTimeout = 100 * time.Millisecond
	fix.opts.PerSegmentTimeout = time.Millisecond

	runner := engine.NewRunner(fix.opts, &fakeProbe{class: thermal.ClassNormal}, nil, newTestLogger(t))

	err := runner.Run(context.Background(), fix.job)
	require.ErrorIs(t, err, core.ErrTimedOut)
}

func TestRunner_RejectsOverlappingJobs(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, "exec sleep 30")
	runner := engine.NewRunner(fix.opts, nil, nil, newTestLogger(t))

	errCh := startAsync(t, runner, fix.job)

	second := fix.job
	second.ID = "job-2"

	err := runner.Run(context.Background(), second)
	require.ErrorIs(t, err, core.ErrJobConflict)

	id, active := runner.Control().Active()
	assert.True(t, active)
	assert.Equal(t, "job-1", id)

	runner.Control().RequestStop()
	require.ErrorIs(t, waitResult(t, errCh), core.ErrCancelled)
}

func TestRunner_TimeoutBudget(t *testing.T) {
	t.Parallel()

	runner := engine.NewRunner(engine.Options{}, nil, nil, nil)

	assert.Equal(t, 300*time.Second, runner.TimeoutBudget(0))
	assert.Equal(t, 300*time.Second, runner.TimeoutBudget(10))
	assert.Equal(t, 330*time.Second, runner.TimeoutBudget(11))
	assert.Equal(t, 600*time.Second, runner.TimeoutBudget(20))
}
