// Package tts runs render jobs end to end: text normalization, manifest
// construction, the supervised engine run, segment merging and bookkeeping.
package tts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/history"
	"github.com/book-expert/voice-render-service/internal/tts/audio"
	"github.com/book-expert/voice-render-service/internal/tts/engine"
	"github.com/book-expert/voice-render-service/internal/tts/manifest"
	"github.com/book-expert/voice-render-service/internal/tts/text"
	"github.com/book-expert/voice-render-service/internal/tts/ttsutils"
	"github.com/google/uuid"
)

const (
	// DefaultMaxWords caps the input text.
	DefaultMaxWords = 65000

	jobDirPrefix     = "render"
	promptFileName   = "prompt.wav"
	manifestFileName = "manifest.tsv"
	segmentsDirName  = "segments"
	artifactExt      = ".wav"
)

// ErrMissingDependency is returned by NewProcessor when a collaborator is nil.
var ErrMissingDependency = errors.New("processor dependency is missing")

// JobRunner runs the engine over a manifest.
type JobRunner interface {
	Run(ctx context.Context, job engine.Job) error
	Control() *engine.Control
}

// PromptPreparer converts a reference sample into the engine's prompt format.
type PromptPreparer interface {
	Prepare(ctx context.Context, src, dst string) error
}

// SegmentMerger joins the engine's segment files into one artifact.
type SegmentMerger interface {
	Merge(outputDir, artifactPath string) (*audio.Artifact, error)
}

// MetricsRecorder keeps job timings.
type MetricsRecorder interface {
	Record(wordCount int, elapsedSeconds float64) error
	Estimate(wordCount int) float64
}

// HistoryRecorder keeps completed renders.
type HistoryRecorder interface {
	Append(record history.Record) error
}

// Deps holds the Processor's collaborators.
type Deps struct {
	Profiles   core.ProfileSource
	Normalizer *text.Normalizer
	Prompts    PromptPreparer
	Runner     JobRunner
	Merger     SegmentMerger
	Metrics    MetricsRecorder
	History    HistoryRecorder
}

// Options locates the scratch and output directories.
type Options struct {
	WorkRoot   string
	RendersDir string
	MaxWords   int
	// KeepWorkDir leaves job directories in place for inspection.
	KeepWorkDir bool
}

// Processor implements core.Renderer. It runs one job at a time.
type Processor struct {
	opts    Options
	deps    Deps
	tracker *Tracker
	log     *logger.Logger
}

var _ core.Renderer = (*Processor)(nil)

// NewProcessor creates a Processor.
func NewProcessor(opts Options, deps Deps, log *logger.Logger) (*Processor, error) {
	switch {
	case deps.Profiles == nil:
		return nil, fmt.Errorf("%w: profiles", ErrMissingDependency)
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("%w: normalizer", ErrMissingDependency)
	case deps.Prompts == nil:
		return nil, fmt.Errorf("%w: prompt preparer", ErrMissingDependency)
	case deps.Runner == nil:
		return nil, fmt.Errorf("%w: runner", ErrMissingDependency)
	case deps.Merger == nil:
		return nil, fmt.Errorf("%w: merger", ErrMissingDependency)
	case deps.Metrics == nil:
		return nil, fmt.Errorf("%w: metrics", ErrMissingDependency)
	case deps.History == nil:
		return nil, fmt.Errorf("%w: history", ErrMissingDependency)
	}

	if opts.MaxWords <= 0 {
		opts.MaxWords = DefaultMaxWords
	}

	return &Processor{opts: opts, deps: deps, tracker: NewTracker(), log: log}, nil
}

// job carries the per-render values between pipeline steps.
type job struct {
	id        string
	text      string
	words     int
	profile   core.VoiceProfile
	sentences []string
	dir       string
	outputDir string
	manifest  string
	artifact  *audio.Artifact
	finalPath string
	startedAt time.Time
}

// Render runs req to completion. It returns core.ErrJobConflict at once when
// another job is active.
func (p *Processor) Render(ctx context.Context, req core.RenderRequest) (*core.RenderResult, error) {
	jobID := ttsutils.SanitizeFilename(req.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := p.tracker.Start(jobID, text.CountWords(req.Text), cancel)
	if err != nil {
		return nil, err
	}
	defer p.tracker.Release()

	current := &job{id: jobID, startedAt: time.Now()}
	p.log.Info("[render] job %s accepted", jobID)

	err = p.run(ctx, current, req)
	if current.dir != "" && !p.opts.KeepWorkDir {
		p.cleanup(current)
	}

	if err != nil {
		return nil, p.fail(current, p.attributeStop(err))
	}

	return p.complete(current), nil
}

func (p *Processor) run(ctx context.Context, current *job, req core.RenderRequest) error {
	err := p.prepareText(current, req)
	if err != nil {
		return err
	}

	err = p.step(StateNormalizing)
	if err != nil {
		return err
	}

	current.sentences = p.deps.Normalizer.Segment(p.deps.Normalizer.Clean(current.text))
	if len(current.sentences) == 0 {
		return fmt.Errorf("%w: no renderable text after cleaning", core.ErrValidation)
	}

	err = p.step(StateBuildingManifest)
	if err != nil {
		return err
	}

	err = p.buildManifest(ctx, current)
	if err != nil {
		return err
	}

	err = p.step(StateRendering)
	if err != nil {
		return err
	}

	err = p.deps.Runner.Run(ctx, engine.Job{
		ID:           current.id,
		ManifestPath: current.manifest,
		OutputDir:    current.outputDir,
		SegmentCount: len(current.sentences),
	})
	if err != nil {
		return err
	}

	err = p.tracker.Transition(StateMerging)
	if err != nil {
		return err
	}

	return p.merge(current)
}

// step enters the next pre-render state unless a stop was requested.
func (p *Processor) step(next State) error {
	if p.tracker.StopRequested() {
		return fmt.Errorf("%w: stopped before %s", core.ErrCancelled, strings.ToLower(string(next)))
	}

	return p.tracker.Transition(next)
}

func (p *Processor) prepareText(current *job, req core.RenderRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: text is empty", core.ErrValidation)
	}

	truncated, cut := text.TruncateWords(req.Text, p.opts.MaxWords)
	if cut {
		p.log.Warn("[render] job %s: text truncated to %d words", current.id, p.opts.MaxWords)
	}

	current.text = truncated
	current.words = text.CountWords(truncated)
	p.tracker.SetWordCount(current.words)

	profileID := req.ProfileID
	if profileID == "" {
		profileID = p.deps.Profiles.DefaultID()
	}

	profile, err := p.deps.Profiles.Lookup(profileID)
	if err != nil {
		return err
	}

	current.profile = profile

	return nil
}

func (p *Processor) buildManifest(ctx context.Context, current *job) error {
	dir, err := ttsutils.NewJobDir(p.opts.WorkRoot, jobDirPrefix)
	if err != nil {
		return err
	}

	current.dir = dir
	current.outputDir = filepath.Join(dir, segmentsDirName)
	current.manifest = filepath.Join(dir, manifestFileName)
	prompt := filepath.Join(dir, promptFileName)

	err = p.deps.Prompts.Prepare(ctx, current.profile.PromptAudioPath, prompt)
	if err != nil {
		return err
	}

	// The transcript must match what the engine hears, so it gets the same
	// cleanup as the input text.
	promptText := p.deps.Normalizer.Clean(current.profile.PromptText)
	if promptText == "" {
		promptText = current.profile.PromptText
	}

	built, err := manifest.Build(current.manifest, promptText, prompt, current.sentences)
	if err != nil {
		return err
	}

	p.tracker.SetPlan(len(built.Segments), current.outputDir)
	p.log.Info("[render] job %s: %d sentences, %d words, profile %s",
		current.id, len(built.Segments), current.words, current.profile.ID)

	return nil
}

func (p *Processor) merge(current *job) error {
	artifact, err := p.deps.Merger.Merge(current.outputDir, filepath.Join(current.dir, current.id+artifactExt))
	if err != nil {
		return err
	}

	finalPath := filepath.Join(p.opts.RendersDir, current.id+artifactExt)

	err = ttsutils.MoveFile(artifact.Path, finalPath)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrMerge, err)
	}

	artifact.Path = finalPath
	current.artifact = artifact
	current.finalPath = finalPath

	return nil
}

// attributeStop reports a failure caused by aborting the job context after
// Stop as a cancellation.
func (p *Processor) attributeStop(err error) error {
	snapshot := p.tracker.Snapshot()
	if !snapshot.StopRequested || !snapshot.State.cancellable() || errors.Is(err, core.ErrCancelled) {
		return err
	}

	return fmt.Errorf("%w: %w", core.ErrCancelled, err)
}

func (p *Processor) fail(current *job, err error) error {
	state := terminalStateFor(err)

	transitionErr := p.tracker.Transition(state)
	if transitionErr != nil {
		p.log.Warn("[render] job %s: %v", current.id, transitionErr)
	}

	p.log.Error("[render] job %s %s after %s: %v",
		current.id, state, ttsutils.FormatDuration(time.Since(current.startedAt).Seconds()), err)

	return fmt.Errorf("render %s: %w", current.id, err)
}

func (p *Processor) complete(current *job) *core.RenderResult {
	elapsed := time.Since(current.startedAt)

	err := p.tracker.Transition(StateCompleted)
	if err != nil {
		p.log.Warn("[render] job %s: %v", current.id, err)
	}

	p.record(current, elapsed)

	p.log.Info("[render] job %s completed in %s: %s (%s, %s)",
		current.id, ttsutils.FormatDuration(elapsed.Seconds()), current.finalPath,
		ttsutils.FormatDuration(current.artifact.DurationSeconds), ttsutils.FormatFileSize(current.artifact.SizeBytes))

	return &core.RenderResult{
		JobID:           current.id,
		ProfileID:       current.profile.ID,
		AudioPath:       current.finalPath,
		SampleRate:      current.artifact.SampleRate,
		DurationSeconds: current.artifact.DurationSeconds,
		SizeBytes:       current.artifact.SizeBytes,
		WordCount:       current.words,
		Sentences:       len(current.sentences),
		ProcessingTime:  elapsed,
	}
}

// record stores metrics and history. Failures are logged and do not fail the
// job.
func (p *Processor) record(current *job, elapsed time.Duration) {
	err := p.deps.Metrics.Record(current.words, elapsed.Seconds())
	if err != nil {
		p.log.Warn("[render] job %s: metrics not recorded: %v", current.id, err)
	}

	err = p.deps.History.Append(history.Record{
		ID:                    current.id,
		Timestamp:             time.Now().UTC(),
		TextPreview:           history.Preview(current.text),
		ProfileID:             current.profile.ID,
		AudioPath:             current.finalPath,
		WordCount:             current.words,
		ProcessingTimeSeconds: elapsed.Seconds(),
		FileSizeBytes:         current.artifact.SizeBytes,
	})
	if err != nil {
		p.log.Warn("[render] job %s: history not recorded: %v", current.id, err)
	}
}

func (p *Processor) cleanup(current *job) {
	err := ttsutils.RemoveJobDir(p.opts.WorkRoot, current.dir)
	if err != nil {
		p.log.Warn("[render] job %s: failed to remove %s: %v", current.id, current.dir, err)
	}
}

// Stop asks the active job to terminate. A job that is rendering is stopped
// by the supervisor on its next tick; earlier stages stop at the next step.
// It reports whether a job was flagged.
func (p *Processor) Stop() bool {
	cancel, state, ok := p.tracker.RequestStop()
	if !ok {
		return false
	}

	if state == StateRendering && p.deps.Runner.Control().RequestStop() {
		p.log.Info("[render] stop requested for the running engine")

		return true
	}

	if cancel != nil {
		cancel()
	}

	p.log.Info("[render] stop requested during %s", state)

	return true
}

// Status reports progress of the active job, or the outcome of the last one.
func (p *Processor) Status() core.RenderStatus {
	snapshot := p.tracker.Snapshot()

	status := core.RenderStatus{
		IsRendering:    snapshot.State.Active(),
		JobID:          snapshot.JobID,
		State:          string(snapshot.State),
		TotalSentences: snapshot.TotalSentences,
	}

	if !status.IsRendering {
		return status
	}

	elapsed := time.Since(snapshot.StartedAt).Seconds()
	status.ElapsedSeconds = elapsed
	status.EstimatedSecondsRemaining = max(0, p.deps.Metrics.Estimate(snapshot.WordCount)-elapsed)

	if snapshot.OutputDir != "" {
		segments, err := audio.ListSegments(snapshot.OutputDir)
		if err == nil {
			status.CurrentSentence = len(segments)
		}
	}

	return status
}
