package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
)

// DefaultPromptSampleRate is the rate the engine expects for prompt audio.
const DefaultPromptSampleRate = 24000

// Resampler converts a reference sample to mono at a fixed rate with ffmpeg.
type Resampler struct {
	binary     string
	sampleRate int
	log        *logger.Logger
}

// NewResampler creates a Resampler. Empty values fall back to "ffmpeg" and
// DefaultPromptSampleRate.
func NewResampler(binary string, sampleRate int, log *logger.Logger) *Resampler {
	if binary == "" {
		binary = "ffmpeg"
	}

	if sampleRate <= 0 {
		sampleRate = DefaultPromptSampleRate
	}

	return &Resampler{binary: binary, sampleRate: sampleRate, log: log}
}

// SampleRate returns the target rate.
func (r *Resampler) SampleRate() int {
	return r.sampleRate
}

// Prepare writes a mono copy of src at the target rate to dst.
func (r *Resampler) Prepare(ctx context.Context, src, dst string) error {
	_, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: prompt audio %s", core.ErrNotFound, src)
	}

	var stdout, stderr bytes.Buffer

	// #nosec G204 -- binary comes from trusted configuration
	cmd := exec.CommandContext(ctx, r.binary,
		"-y", "-i", src,
		"-ac", "1",
		"-ar", strconv.Itoa(r.sampleRate),
		dst,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		exitCode := -1

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		return &core.ProcessError{
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      fmt.Errorf("resample %s: %w", src, err),
		}
	}

	info, err := os.Stat(dst)
	if err != nil || info.Size() == 0 {
		return &core.ProcessError{
			ExitCode: 0,
			Stderr:   stderr.String(),
			Err:      fmt.Errorf("resample %s produced no output at %s", src, dst),
		}
	}

	r.log.Info("[audio] prepared prompt %s at %d Hz", dst, r.sampleRate)

	return nil
}
