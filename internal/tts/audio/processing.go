// Package audio reads the engine's per-segment WAV files, stitches them into
// one artifact and prepares voice samples for use as prompts.
package audio

import (
	"errors"
	"fmt"
	"math"
)

// Default merge settings.
const (
	DefaultSilenceSeconds = 0.5
	DefaultPeakTarget     = 0.95
)

const (
	maxSilenceSeconds = 10.0

	errFmtSilenceRange = "%w: silence must be between 0 and %.0f seconds, got %.3f"
	errFmtPeakRange    = "%w: peak target must be between 0 and 1, got %.3f"
)

// ErrInvalidOptions indicates merge settings out of range.
var ErrInvalidOptions = errors.New("invalid merge options")

// MergeOptions controls pacing and level normalization. A zero PeakTarget
// disables normalization.
type MergeOptions struct {
	SilenceSeconds float64 `json:"silenceSeconds"`
	PeakTarget     float64 `json:"peakTarget"`
}

// NewDefaultMergeOptions returns 0.5s pauses and a 0.95 peak.
func NewDefaultMergeOptions() MergeOptions {
	return MergeOptions{
		SilenceSeconds: DefaultSilenceSeconds,
		PeakTarget:     DefaultPeakTarget,
	}
}

// Validate checks that the settings are within reasonable bounds.
func (o MergeOptions) Validate() error {
	err := validateSilence(o.SilenceSeconds)
	if err != nil {
		return err
	}

	return validatePeakTarget(o.PeakTarget)
}

func validateSilence(seconds float64) error {
	if seconds < 0 || seconds > maxSilenceSeconds || math.IsNaN(seconds) {
		return fmt.Errorf(errFmtSilenceRange, ErrInvalidOptions, maxSilenceSeconds, seconds)
	}

	return nil
}

func validatePeakTarget(target float64) error {
	if target < 0 || target > 1 || math.IsNaN(target) {
		return fmt.Errorf(errFmtPeakRange, ErrInvalidOptions, target)
	}

	return nil
}

// Silence returns round(seconds × sampleRate) zero samples.
func Silence(seconds float64, sampleRate int) []float64 {
	count := int(math.Round(seconds * float64(sampleRate)))
	if count <= 0 {
		return nil
	}

	return make([]float64, count)
}

// Peak returns the largest absolute sample value.
func Peak(samples []float64) float64 {
	peak := 0.0

	for _, sample := range samples {
		if abs := math.Abs(sample); abs > peak {
			peak = abs
		}
	}

	return peak
}

// NormalizePeak scales samples in place so the peak equals target and returns
// the gain applied. Silent buffers and a zero target are left untouched.
func NormalizePeak(samples []float64, target float64) float64 {
	peak := Peak(samples)
	if peak == 0 || target <= 0 {
		return 1
	}

	gain := target / peak
	for index := range samples {
		samples[index] *= gain
	}

	return gain
}
