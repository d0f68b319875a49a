// Package engine launches the external voice-cloning engine over a manifest
// and supervises it until it exits on its own or is terminated.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/tts/thermal"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultKillGrace         = 10 * time.Second
	DefaultMinTimeout        = 300 * time.Second
	DefaultPerSegmentTimeout = 30 * time.Second
)

// ThermalProbe reports the current GPU health.
type ThermalProbe interface {
	Query(ctx context.Context) thermal.Sample
}

// Options describes how the engine is launched and supervised.
type Options struct {
	Executable        string
	Args              []string
	WorkDir           string
	ModelDir          string
	CheckpointName    string
	Tokenizer         string
	Language          string
	GPUMemoryFraction float64
	// Env holds extra KEY=VALUE pairs appended after the locale overrides.
	Env []string

	PollInterval      time.Duration
	KillGrace         time.Duration
	MinTimeout        time.Duration
	PerSegmentTimeout time.Duration
}

// Job is one engine run over a manifest.
type Job struct {
	ID           string
	ManifestPath string
	OutputDir    string
	SegmentCount int
}

// Runner runs one engine process at a time.
type Runner struct {
	opts    Options
	probe   ThermalProbe
	control *Control
	log     *logger.Logger
}

// NewRunner creates a Runner. A nil control gets a fresh slot.
func NewRunner(opts Options, probe ThermalProbe, control *Control, log *logger.Logger) *Runner {
	if opts.Executable == "" {
		opts.Executable = "python3"
	}

	if opts.Tokenizer == "" {
		opts.Tokenizer = "espeak"
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}

	if opts.MinTimeout <= 0 {
		opts.MinTimeout = DefaultMinTimeout
	}

	if opts.PerSegmentTimeout <= 0 {
		opts.PerSegmentTimeout = DefaultPerSegmentTimeout
	}

	if control == nil {
		control = NewControl()
	}

	return &Runner{opts: opts, probe: probe, control: control, log: log}
}

// Control returns the slot used to stop the running job.
func (r *Runner) Control() *Control {
	return r.control
}

// TimeoutBudget is max(MinTimeout, PerSegmentTimeout × segments).
func (r *Runner) TimeoutBudget(segments int) time.Duration {
	budget := r.opts.PerSegmentTimeout * time.Duration(segments)
	if budget < r.opts.MinTimeout {
		return r.opts.MinTimeout
	}

	return budget
}

// Run launches the engine for job and blocks until it exits or is terminated.
// Supervised terminations return core.ErrCancelled, core.ErrOverheated or
// core.ErrTimedOut; a failed run returns a *core.ProcessError.
func (r *Runner) Run(ctx context.Context, job Job) error {
	err := r.checkPreconditions(job)
	if err != nil {
		return err
	}

	err = r.control.acquire(job.ID)
	if err != nil {
		return err
	}
	defer r.control.release()

	err = os.MkdirAll(job.OutputDir, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", job.OutputDir, err)
	}

	var stdout, stderr bytes.Buffer

	cmd := r.command(job)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Start()
	if err != nil {
		return &core.ProcessError{ExitCode: -1, Err: fmt.Errorf("failed to start %s: %w", r.opts.Executable, err)}
	}

	r.control.attach(cmd.Process)
	r.log.Info("[engine] job %s started (pid %d, %d segments, budget %s)",
		job.ID, cmd.Process.Pid, job.SegmentCount, r.TimeoutBudget(job.SegmentCount))

	done := make(chan error, 1)

	go func() {
		done <- cmd.Wait()
	}()

	return r.supervise(ctx, job, cmd.Process, done, &stdout, &stderr)
}

func (r *Runner) checkPreconditions(job Job) error {
	checks := []struct {
		what string
		path string
		dir  bool
	}{
		{what: "manifest", path: job.ManifestPath},
		{what: "model directory", path: r.opts.ModelDir, dir: true},
		{what: "checkpoint", path: filepath.Join(r.opts.ModelDir, r.opts.CheckpointName)},
	}

	for _, check := range checks {
		info, err := os.Stat(check.path)
		if err != nil || check.path == "" {
			return fmt.Errorf("%w: %s %s", core.ErrNotFound, check.what, check.path)
		}

		if check.dir != info.IsDir() {
			return fmt.Errorf("%w: %s %s has the wrong type", core.ErrNotFound, check.what, check.path)
		}
	}

	return nil
}

func (r *Runner) command(job Job) *exec.Cmd {
	args := make([]string, 0, len(r.opts.Args)+12)
	args = append(args, r.opts.Args...)
	args = append(args,
		"--model-dir", r.opts.ModelDir,
		"--checkpoint-name", r.opts.CheckpointName,
		"--tokenizer", r.opts.Tokenizer,
		"--lang", r.opts.Language,
		"--test-list", job.ManifestPath,
		"--res-dir", job.OutputDir,
	)

	// #nosec G204 -- executable and arguments come from trusted configuration
	cmd := exec.Command(r.opts.Executable, args...)
	cmd.Dir = r.opts.WorkDir
	cmd.Env = r.environment()
	cmd.WaitDelay = r.opts.KillGrace
	configureProcess(cmd)

	return cmd
}

func (r *Runner) environment() []string {
	env := os.Environ()
	env = append(env,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"PYTHONIOENCODING=utf-8",
	)

	if r.opts.GPUMemoryFraction > 0 {
		env = append(env, "CUDA_MEMORY_FRACTION="+strconv.FormatFloat(r.opts.GPUMemoryFraction, 'f', -1, 64))
	}

	return append(env, r.opts.Env...)
}

func (r *Runner) supervise(
	ctx context.Context,
	job Job,
	process *os.Process,
	done <-chan error,
	stdout, stderr *bytes.Buffer,
) error {
	started := time.Now()
	budget := r.TimeoutBudget(job.SegmentCount)
	lastClass := thermal.ClassUnknown

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-done:
			return r.exitResult(job, waitErr, time.Since(started), stdout, stderr)

		case <-ctx.Done():
			r.terminate(job, process, done)

			return fmt.Errorf("%w: job %s: %w", core.ErrCancelled, job.ID, ctx.Err())

		case <-ticker.C:
			if r.control.cancelled() {
				r.terminate(job, process, done)

				return fmt.Errorf("%w: job %s stopped on request after %s", core.ErrCancelled, job.ID, since(started))
			}

			sample := r.sample(ctx)
			if sample.Class != lastClass && sample.Class == thermal.ClassThrottle {
				r.log.Warn("[engine] job %s: gpu at %.0f°C, throttle threshold reached", job.ID, sample.TemperatureC)
			}

			lastClass = sample.Class

			if sample.Class == thermal.ClassEmergency {
				r.terminate(job, process, done)

				return fmt.Errorf("%w: job %s at %.0f°C", core.ErrOverheated, job.ID, sample.TemperatureC)
			}

			if time.Since(started) > budget {
				r.terminate(job, process, done)

				return fmt.Errorf("%w: job %s exceeded %s", core.ErrTimedOut, job.ID, budget)
			}
		}
	}
}

func (r *Runner) sample(ctx context.Context) thermal.Sample {
	if r.probe == nil {
		return thermal.Sample{Class: thermal.ClassUnknown}
	}

	return r.probe.Query(ctx)
}

func (r *Runner) exitResult(job Job, waitErr error, elapsed time.Duration, stdout, stderr *bytes.Buffer) error {
	if waitErr == nil {
		r.log.Info("[engine] job %s finished in %s", job.ID, elapsed.Round(time.Millisecond))

		return nil
	}

	exitCode := -1

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	r.log.Error("[engine] job %s exited with code %d: %s", job.ID, exitCode, strings.TrimSpace(stderr.String()))

	return &core.ProcessError{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      waitErr,
	}
}

// terminate asks the process to stop, waits up to the grace period and then
// kills it. It returns once the process has been reaped.
func (r *Runner) terminate(job Job, process *os.Process, done <-chan error) {
	err := interruptProcess(process)
	if err != nil {
		r.log.Warn("[engine] job %s: interrupt failed: %v", job.ID, err)
	}

	timer := time.NewTimer(r.opts.KillGrace)
	defer timer.Stop()

	select {
	case <-done:
		r.log.Info("[engine] job %s stopped gracefully", job.ID)

		return
	case <-timer.C:
	}

	r.log.Warn("[engine] job %s ignored interrupt for %s, killing", job.ID, r.opts.KillGrace)

	err = killProcess(process)
	if err != nil {
		r.log.Error("[engine] job %s: kill failed: %v", job.ID, err)
	}

	<-done
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
