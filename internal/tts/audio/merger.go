package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/tts/manifest"
)

const (
	segmentPattern = manifest.IDPrefix + "*.wav"
	partialSuffix  = ".part"
)

// Artifact describes the merged output of one job.
type Artifact struct {
	Path            string
	SampleRate      int
	DurationSeconds float64
	Segments        int
	Skipped         []string
	SizeBytes       int64
}

// Merger concatenates segment files into a single mono artifact.
type Merger struct {
	opts MergeOptions
	log  *logger.Logger
}

// NewMerger validates opts and returns a Merger.
func NewMerger(opts MergeOptions, log *logger.Logger) (*Merger, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	return &Merger{opts: opts, log: log}, nil
}

// ListSegments returns the segment files in outputDir ordered by their numeric
// id. Files that match the glob but carry no valid id are ignored.
func ListSegments(outputDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(outputDir, segmentPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list segments in %s: %w", outputDir, err)
	}

	type indexed struct {
		path  string
		index int
	}

	segments := make([]indexed, 0, len(matches))

	for _, match := range matches {
		id := strings.TrimSuffix(filepath.Base(match), filepath.Ext(match))

		index, ok := manifest.SegmentIndex(id)
		if !ok {
			continue
		}

		segments = append(segments, indexed{path: match, index: index})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].index < segments[j].index })

	paths := make([]string, len(segments))
	for i, segment := range segments {
		paths[i] = segment.path
	}

	return paths, nil
}

// Merge concatenates every segment in outputDir, in id order, with a pause
// between consecutive segments, normalizes the peak and writes the result to
// artifactPath. Nothing is written unless every segment shares the first
// file's sample rate.
func (m *Merger) Merge(outputDir, artifactPath string) (*Artifact, error) {
	paths, err := ListSegments(outputDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMerge, err)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no segments in %s", core.ErrMerge, outputDir)
	}

	clips, skipped, sampleRate, err := m.load(paths)
	if err != nil {
		return nil, err
	}

	if len(clips) == 0 {
		return nil, fmt.Errorf("%w: all %d segments in %s are empty", core.ErrMerge, len(paths), outputDir)
	}

	samples := m.concatenate(clips, sampleRate)
	gain := 1.0

	if m.opts.PeakTarget > 0 {
		gain = NormalizePeak(samples, m.opts.PeakTarget)
	}

	size, err := writeArtifact(artifactPath, sampleRate, samples)
	if err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Path:            artifactPath,
		SampleRate:      sampleRate,
		DurationSeconds: float64(len(samples)) / float64(sampleRate),
		Segments:        len(clips),
		Skipped:         skipped,
		SizeBytes:       size,
	}

	m.log.Info("[merge] %d segments -> %s (%.2fs, gain %.3f, %d skipped)",
		artifact.Segments, artifactPath, artifact.DurationSeconds, gain, len(skipped))

	return artifact, nil
}

func (m *Merger) load(paths []string) ([]*Clip, []string, int, error) {
	clips := make([]*Clip, 0, len(paths))

	var skipped []string

	sampleRate := 0

	for _, path := range paths {
		clip, err := ReadClip(path)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("%w: %w", core.ErrMerge, err)
		}

		if sampleRate == 0 {
			sampleRate = clip.SampleRate
		}

		if clip.SampleRate != sampleRate {
			return nil, nil, 0, fmt.Errorf("%w: %s has sample rate %d Hz, expected %d Hz",
				core.ErrMerge, filepath.Base(path), clip.SampleRate, sampleRate)
		}

		if len(clip.Samples) == 0 {
			m.log.Warn("[merge] skipping empty segment %s", filepath.Base(path))

			skipped = append(skipped, filepath.Base(path))

			continue
		}

		clips = append(clips, clip)
	}

	if sampleRate <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: segments report no sample rate", core.ErrMerge)
	}

	return clips, skipped, sampleRate, nil
}

func (m *Merger) concatenate(clips []*Clip, sampleRate int) []float64 {
	gap := Silence(m.opts.SilenceSeconds, sampleRate)

	total := len(gap) * (len(clips) - 1)
	for _, clip := range clips {
		total += len(clip.Samples)
	}

	samples := make([]float64, 0, total)

	for i, clip := range clips {
		samples = append(samples, clip.Samples...)
		if i < len(clips)-1 {
			samples = append(samples, gap...)
		}
	}

	return samples
}

// writeArtifact writes to a sibling temporary file and renames it into place,
// then checks that the final file is non-empty.
func writeArtifact(path string, sampleRate int, samples []float64) (int64, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create artifact directory: %w", core.ErrMerge, err)
	}

	partial := path + partialSuffix

	err = WriteMono16(partial, sampleRate, samples)
	if err != nil {
		_ = os.Remove(partial)

		return 0, fmt.Errorf("%w: %w", core.ErrMerge, err)
	}

	err = os.Rename(partial, path)
	if err != nil {
		_ = os.Remove(partial)

		return 0, fmt.Errorf("%w: failed to move artifact into place: %w", core.ErrMerge, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: artifact missing after write: %w", core.ErrMerge, err)
	}

	if info.Size() == 0 {
		return 0, fmt.Errorf("%w: artifact %s is empty", core.ErrMerge, path)
	}

	return info.Size(), nil
}
