package tts_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/history"
	"github.com/book-expert/voice-render-service/internal/metrics"
	"github.com/book-expert/voice-render-service/internal/tts"
	"github.com/book-expert/voice-render-service/internal/tts/audio"
	"github.com/book-expert/voice-render-service/internal/tts/engine"
	"github.com/book-expert/voice-render-service/internal/tts/manifest"
	"github.com/book-expert/voice-render-service/internal/tts/text"
	"github.com/book-expert/voice-render-service/internal/tts/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRate = 8000

type fakeProfiles struct {
	sample     string
	transcript string
}

func (f *fakeProfiles) Lookup(id string) (core.VoiceProfile, error) {
	if id != "tina" && id != "nam" {
		return core.VoiceProfile{}, fmt.Errorf("%w: voice profile %q", core.ErrNotFound, id)
	}

	transcript := f.transcript
	if transcript == "" {
		transcript = "Xin chào."
	}

	return core.VoiceProfile{ID: id, Name: id, PromptText: transcript, PromptAudioPath: f.sample}, nil
}

func (f *fakeProfiles) DefaultID() string { return "tina" }

type copyPrompts struct{}

func (copyPrompts) Prepare(_ context.Context, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("%w: %s", core.ErrNotFound, src)
	}

	return os.WriteFile(dst, data, 0o600)
}

// fakeRunner writes one short segment per manifest row. When block is set it
// writes the first produced segments and waits for release or ctx.
type fakeRunner struct {
	control  *engine.Control
	produce  int
	block    bool
	started  chan struct{}
	release  chan struct{}
	err      error
	mu       sync.Mutex
	lastJob  engine.Job
	segments []manifest.Segment
	runCount int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		control: engine.NewControl(),
		produce: -1,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (f *fakeRunner) Control() *engine.Control { return f.control }

func (f *fakeRunner) Run(ctx context.Context, job engine.Job) error {
	f.mu.Lock()
	f.lastJob = job
	f.runCount++
	f.mu.Unlock()

	segments, err := manifest.Parse(job.ManifestPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.segments = segments
	f.mu.Unlock()

	if err = os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return err
	}

	produce := len(segments)
	if f.produce >= 0 {
		produce = f.produce
	}

	for _, segment := range segments[:produce] {
		samples := make([]float64, testRate/10)
		samples[0] = 0.5

		err = audio.WriteMono16(filepath.Join(job.OutputDir, segment.ID+".wav"), testRate, samples)
		if err != nil {
			return err
		}
	}

	f.started <- struct{}{}

	if f.block {
		select {
		case <-f.release:
		case <-ctx.Done():
			return fmt.Errorf("%w: job %s: %w", core.ErrCancelled, job.ID, ctx.Err())
		}
	}

	return f.err
}

type failingHistory struct{}

func (failingHistory) Append(history.Record) error {
	return fmt.Errorf("%w: disk full", core.ErrPersistence)
}

type fixture struct {
	processor *tts.Processor
	runner    *fakeRunner
	metrics   *metrics.Store
	history   *history.Store
	workRoot  string
	renders   string
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "tts-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newFixture(t *testing.T, configure func(*tts.Options, *tts.Deps)) *fixture {
	t.Helper()

	dir := t.TempDir()
	log := newTestLogger(t)

	sample := filepath.Join(dir, "sample.wav")
	require.NoError(t, audio.WriteMono16(sample, testRate, make([]float64, 10)))

	merger, err := audio.NewMerger(audio.NewDefaultMergeOptions(), log)
	require.NoError(t, err)

	store, err := history.Open(filepath.Join(dir, "renders", "history.json"), 0, log)
	require.NoError(t, err)

	fix := &fixture{
		runner:   newFakeRunner(),
		metrics:  metrics.New(0, log),
		history:  store,
		workRoot: filepath.Join(dir, "work"),
		renders:  filepath.Join(dir, "renders"),
	}

	opts := tts.Options{WorkRoot: fix.workRoot, RendersDir: fix.renders}
	deps := tts.Deps{
		Profiles:   &fakeProfiles{sample: sample},
		Normalizer: text.NewNormalizer(text.Options{}, log),
		Prompts:    copyPrompts{},
		Runner:     fix.runner,
		Merger:     merger,
		Metrics:    fix.metrics,
		History:    fix.history,
	}

	if configure != nil {
		configure(&opts, &deps)
	}

	fix.processor, err = tts.NewProcessor(opts, deps, log)
	require.NoError(t, err)

	return fix
}

func workDirEntries(t *testing.T, root string) []os.DirEntry {
	t.Helper()

	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	require.NoError(t, err)

	return entries
}

func TestRender_Success(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	result, err := fix.processor.Render(context.Background(), core.RenderRequest{
		JobID: "chapter-1",
		Text:  "Xin chào các bạn. Hôm nay trời đẹp! Bạn có khỏe không?",
	})
	require.NoError(t, err)

	assert.Equal(t, "chapter-1", result.JobID)
	assert.Equal(t, "tina", result.ProfileID)
	assert.Equal(t, 3, result.Sentences)
	assert.Equal(t, 12, result.WordCount)
	assert.Equal(t, testRate, result.SampleRate)
	assert.InDelta(t, 3*0.1+2*0.5, result.DurationSeconds, 1e-3)
	assert.Equal(t, filepath.Join(fix.renders, "chapter-1.wav"), result.AudioPath)
	assert.FileExists(t, result.AudioPath)

	assert.Empty(t, workDirEntries(t, fix.workRoot))
	assert.Equal(t, 1, fix.metrics.Stats().Count)

	record, err := fix.history.Lookup("chapter-1")
	require.NoError(t, err)
	assert.Equal(t, result.AudioPath, record.AudioPath)
	assert.Equal(t, 12, record.WordCount)

	status := fix.processor.Status()
	assert.False(t, status.IsRendering)
	assert.Equal(t, string(tts.StateCompleted), status.State)

	assert.Equal(t, 3, fix.runner.lastJob.SegmentCount)
}

func TestRender_AssignsJobID(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	result, err := fix.processor.Render(context.Background(), core.RenderRequest{Text: "Một câu đơn giản.", ProfileID: "nam"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, "nam", result.ProfileID)
}

func TestRender_ValidationFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		req  core.RenderRequest
		want error
	}{
		{name: "empty text", req: core.RenderRequest{Text: "  \n "}, want: core.ErrValidation},
		{name: "only annotations", req: core.RenderRequest{Text: "(ghi chú) [1]"}, want: core.ErrValidation},
		{name: "unknown profile", req: core.RenderRequest{Text: "Xin chào.", ProfileID: "ghost"}, want: core.ErrNotFound},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fix := newFixture(t, nil)

			_, err := fix.processor.Render(context.Background(), testCase.req)
			require.ErrorIs(t, err, testCase.want)
			assert.Equal(t, string(tts.StateFailed), fix.processor.Status().State)
			assert.Zero(t, fix.runner.runCount)
		})
	}
}

func TestRender_TruncatesLongText(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, func(opts *tts.Options, _ *tts.Deps) { opts.MaxWords = 4 })

	result, err := fix.processor.Render(context.Background(), core.RenderRequest{Text: "một hai ba bốn năm sáu bảy"})
	require.NoError(t, err)
	assert.Equal(t, 4, result.WordCount)
	assert.Equal(t, 1, result.Sentences)
}

func TestRender_EngineFailuresMapToStates(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		err   error
		kind  error
		state tts.State
	}{
		{name: "timeout", err: fmt.Errorf("%w: exceeded", core.ErrTimedOut), kind: core.ErrTimedOut, state: tts.StateTimedOut},
		{name: "overheated", err: fmt.Errorf("%w: 92°C", core.ErrOverheated), kind: core.ErrOverheated, state: tts.StateFailed},
		{name: "process", err: &core.ProcessError{ExitCode: 1, Stderr: "CUDA error"}, kind: core.ErrProcess, state: tts.StateFailed},
		{name: "cancelled", err: fmt.Errorf("%w: stop", core.ErrCancelled), kind: core.ErrCancelled, state: tts.StateCancelled},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fix := newFixture(t, nil)
			fix.runner.err = testCase.err

			_, err := fix.processor.Render(context.Background(), core.RenderRequest{JobID: "job", Text: "Xin chào các bạn."})
			require.ErrorIs(t, err, testCase.kind)
			assert.Equal(t, string(testCase.state), fix.processor.Status().State)
			assert.NoFileExists(t, filepath.Join(fix.renders, "job.wav"))
			assert.Empty(t, workDirEntries(t, fix.workRoot))
		})
	}
}

func TestRender_MissingSegmentsFailMerge(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)
	fix.runner.produce = 0

	_, err := fix.processor.Render(context.Background(), core.RenderRequest{Text: "Xin chào các bạn."})
	require.ErrorIs(t, err, core.ErrMerge)
	assert.Equal(t, string(tts.StateFailed), fix.processor.Status().State)
}

func TestRender_RejectsOverlappingJob(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)
	fix.runner.block = true

	done := make(chan error, 1)

	go func() {
		_, err := fix.processor.Render(context.Background(), core.RenderRequest{JobID: "first", Text: "Xin chào các bạn."})
		done <- err
	}()

	<-fix.runner.started

	_, err := fix.processor.Render(context.Background(), core.RenderRequest{JobID: "second", Text: "Một câu khác."})
	require.ErrorIs(t, err, core.ErrJobConflict)

	close(fix.runner.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, fix.runner.runCount)
}

func TestStatusAndStop_DuringRender(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)
	fix.runner.block = true
	fix.runner.produce = 2

	done := make(chan error, 1)

	go func() {
		_, err := fix.processor.Render(context.Background(), core.RenderRequest{
			JobID: "long",
			Text:  "Câu thứ nhất. Câu thứ hai. Câu thứ ba.",
		})
		done <- err
	}()

	<-fix.runner.started

	status := fix.processor.Status()
	assert.True(t, status.IsRendering)
	assert.Equal(t, "long", status.JobID)
	assert.Equal(t, string(tts.StateRendering), status.State)
	assert.Equal(t, 2, status.CurrentSentence)
	assert.Equal(t, 3, status.TotalSentences)
	assert.GreaterOrEqual(t, status.EstimatedSecondsRemaining, 0.0)

	assert.True(t, fix.processor.Stop())

	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("render did not stop")
	}

	assert.Equal(t, string(tts.StateCancelled), fix.processor.Status().State)
	assert.False(t, fix.processor.Stop())
}

func TestStop_Idle(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, nil)

	assert.False(t, fix.processor.Stop())

	status := fix.processor.Status()
	assert.False(t, status.IsRendering)
	assert.Equal(t, string(tts.StateIdle), status.State)
}

func TestRender_PersistenceFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, func(_ *tts.Options, deps *tts.Deps) { deps.History = failingHistory{} })

	result, err := fix.processor.Render(context.Background(), core.RenderRequest{Text: "Xin chào các bạn."})
	require.NoError(t, err)
	assert.FileExists(t, result.AudioPath)
}

func TestRender_KeepWorkDir(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, func(opts *tts.Options, _ *tts.Deps) { opts.KeepWorkDir = true })

	_, err := fix.processor.Render(context.Background(), core.RenderRequest{Text: "Xin chào các bạn."})
	require.NoError(t, err)

	entries := workDirEntries(t, fix.workRoot)
	require.Len(t, entries, 1)
	assert.FileExists(t, filepath.Join(fix.workRoot, entries[0].Name(), "manifest.tsv"))
}

func TestNewProcessor_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := tts.NewProcessor(tts.Options{}, tts.Deps{}, newTestLogger(t))
	require.ErrorIs(t, err, tts.ErrMissingDependency)
}

type normalThermal struct{}

func (normalThermal) Query(_ context.Context) thermal.Sample {
	return thermal.Sample{TemperatureC: 55, Class: thermal.ClassNormal}
}

// newEngineRunner supervises a /bin/sh script standing in for the engine.
func newEngineRunner(t *testing.T, script string) *engine.Runner {
	t.Helper()

	dir := t.TempDir()
	modelDir := filepath.Join(dir, "model")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.pt"), []byte("ckpt"), 0o600))

	scriptPath := filepath.Join(dir, "engine.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	return engine.NewRunner(engine.Options{
		Executable:        "/bin/sh",
		Args:              []string{scriptPath},
		WorkDir:           dir,
		ModelDir:          modelDir,
		CheckpointName:    "model.pt",
		PollInterval:      20 * time.Millisecond,
		KillGrace:         300 * time.Millisecond,
		MinTimeout:        time.Minute,
		PerSegmentTimeout: time.Second,
	}, normalThermal{}, nil, newTestLogger(t))
}

func TestStop_TerminatesSupervisedEngine(t *testing.T) {
	t.Parallel()

	runner := newEngineRunner(t, "exec sleep 30")
	fix := newFixture(t, func(_ *tts.Options, deps *tts.Deps) {
		deps.Runner = runner
	})

	done := make(chan error, 1)

	go func() {
		_, err := fix.processor.Render(context.Background(), core.RenderRequest{
			JobID: "engine",
			Text:  "Câu thứ nhất. Câu thứ hai.",
		})
		done <- err
	}()

	require.Eventually(t, runner.Control().Running, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(tts.StateRendering), fix.processor.Status().State)

	started := time.Now()

	assert.True(t, fix.processor.Stop())

	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrCancelled)
		assert.Contains(t, err.Error(), "stopped on request")
	case <-time.After(5 * time.Second):
		t.Fatal("engine was not terminated")
	}

	assert.Less(t, time.Since(started), 5*time.Second)
	assert.False(t, runner.Control().Running())
	assert.Equal(t, string(tts.StateCancelled), fix.processor.Status().State)
	assert.Empty(t, workDirEntries(t, fix.workRoot))
}

func TestRender_CleansPromptTranscript(t *testing.T) {
	t.Parallel()

	fix := newFixture(t, func(_ *tts.Options, deps *tts.Deps) {
		deps.Profiles.(*fakeProfiles).transcript = "Xin   chào [cười] các bạn ,nhé."
	})

	_, err := fix.processor.Render(context.Background(), core.RenderRequest{Text: "Câu thứ nhất. Câu thứ hai."})
	require.NoError(t, err)

	fix.runner.mu.Lock()
	defer fix.runner.mu.Unlock()

	require.Len(t, fix.runner.segments, 2)

	for _, segment := range fix.runner.segments {
		assert.Equal(t, "Xin chào các bạn, nhé.", segment.PromptText)
	}
}
