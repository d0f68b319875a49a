// Package config provides the configuration structure for the voice render service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Pipeline variants.
const (
	VariantStandard = "standard"
	VariantSimple   = "simple"
)

var (
	// ErrInvalidConfig indicates a configuration value is out of range.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	TextProcessedSubject   string `toml:"text_processed_subject"`
	StopSubject            string `toml:"stop_subject"`
	StatusSubject          string `toml:"status_subject"`
	GPUSubject             string `toml:"gpu_subject"`
	HistorySubject         string `toml:"history_subject"`
	TextObjectStoreBucket  string `toml:"text_object_store_bucket"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// EngineConfig describes how to launch the voice-cloning engine.
type EngineConfig struct {
	Executable        string   `toml:"executable"`
	Args              []string `toml:"args"`
	WorkDir           string   `toml:"work_dir"`
	ModelDir          string   `toml:"model_dir"`
	CheckpointName    string   `toml:"checkpoint_name"`
	Tokenizer         string   `toml:"tokenizer"`
	Language          string   `toml:"language"`
	GPUMemoryFraction float64  `toml:"gpu_memory_fraction"`
}

// SupervisorConfig bounds how long and how the engine process is watched.
type SupervisorConfig struct {
	PollIntervalSeconds      float64 `toml:"poll_interval_seconds"`
	KillGraceSeconds         float64 `toml:"kill_grace_seconds"`
	MinTimeoutSeconds        int     `toml:"min_timeout_seconds"`
	PerSegmentTimeoutSeconds int     `toml:"per_segment_timeout_seconds"`
}

// ThermalConfig configures GPU telemetry.
type ThermalConfig struct {
	Command             string  `toml:"command"`
	ThrottleCelsius     float64 `toml:"throttle_celsius"`
	EmergencyCelsius    float64 `toml:"emergency_celsius"`
	QueryTimeoutSeconds float64 `toml:"query_timeout_seconds"`
	CacheSeconds        float64 `toml:"cache_seconds"`
}

// TextConfig configures normalization and segmentation.
type TextConfig struct {
	MaxWords       int    `toml:"max_words"`
	MinChars       int    `toml:"min_chars"`
	FallbackPhrase string `toml:"fallback_phrase"`
}

// MergeConfig configures segment assembly.
type MergeConfig struct {
	// Pointers tell an explicit 0 apart from an omitted key.
	SilenceSeconds *float64 `toml:"silence_seconds"`
	PeakTarget     *float64 `toml:"peak_target"`
}

// AudioConfig configures prompt preprocessing.
type AudioConfig struct {
	Resampler        string `toml:"resampler"`
	PromptSampleRate int    `toml:"prompt_sample_rate"`
}

// PipelineConfig selects the pipeline variant.
type PipelineConfig struct {
	Variant string `toml:"variant"`
}

// ProfilesConfig locates voice profiles.
type ProfilesConfig struct {
	File      string `toml:"file"`
	DefaultID string `toml:"default_id"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	WorkRoot    string `toml:"work_root"`
	RendersDir  string `toml:"renders_dir"`
	HistoryFile string `toml:"history_file"`
	MetricsDB   string `toml:"metrics_db"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig       `toml:"nats"`
	Engine     EngineConfig     `toml:"engine"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Thermal    ThermalConfig    `toml:"thermal"`
	Text       TextConfig       `toml:"text"`
	Merge      MergeConfig      `toml:"merge"`
	Audio      AudioConfig      `toml:"audio"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Profiles   ProfilesConfig   `toml:"profiles"`
	Paths      PathsConfig      `toml:"paths"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile loads the configuration from a local TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero values. Values already set are never overridden.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.URL, "nats://127.0.0.1:4222")
	setString(&c.NATS.TextProcessedSubject, "text.processed")
	setString(&c.NATS.StopSubject, "tts.render.stop")
	setString(&c.NATS.StatusSubject, "tts.render.status")
	setString(&c.NATS.GPUSubject, "tts.gpu.status")
	setString(&c.NATS.HistorySubject, "tts.render.history")
	setString(&c.NATS.TextObjectStoreBucket, "TEXT_FILES")
	setString(&c.NATS.AudioObjectStoreBucket, "AUDIO_FILES")

	setString(&c.Engine.Executable, "python3")

	if len(c.Engine.Args) == 0 {
		c.Engine.Args = []string{"-m", "zipvoice.bin.infer_zipvoice", "--model-name", "zipvoice"}
	}

	setString(&c.Engine.WorkDir, "/ZipVoice")
	setString(&c.Engine.ModelDir, "/models/zipvoice_vi")
	setString(&c.Engine.CheckpointName, "iter-525000-avg-2.pt")
	setString(&c.Engine.Tokenizer, "espeak")
	setString(&c.Engine.Language, "vi")
	setFloat(&c.Engine.GPUMemoryFraction, 0.9)

	setFloat(&c.Supervisor.PollIntervalSeconds, 2)
	setFloat(&c.Supervisor.KillGraceSeconds, 10)
	setInt(&c.Supervisor.MinTimeoutSeconds, 300)
	setInt(&c.Supervisor.PerSegmentTimeoutSeconds, 30)

	setString(&c.Thermal.Command, "nvidia-smi")
	setFloat(&c.Thermal.ThrottleCelsius, 85)
	setFloat(&c.Thermal.EmergencyCelsius, 90)
	setFloat(&c.Thermal.QueryTimeoutSeconds, 5)
	setFloat(&c.Thermal.CacheSeconds, 1)

	setInt(&c.Text.MaxWords, 65000)
	setInt(&c.Text.MinChars, 3)
	setString(&c.Text.FallbackPhrase, "Xin chào.")

	setString(&c.Pipeline.Variant, VariantStandard)

	if c.Pipeline.Variant == VariantStandard {
		setUnset(&c.Merge.SilenceSeconds, 0.5)
		setUnset(&c.Merge.PeakTarget, 0.95)
	}

	setString(&c.Audio.Resampler, "ffmpeg")
	setInt(&c.Audio.PromptSampleRate, 24000)

	setString(&c.Profiles.File, "voice_profiles/profiles.json")
	setString(&c.Profiles.DefaultID, "tina")

	setString(&c.Paths.BaseLogsDir, "logs")
	setString(&c.Paths.WorkRoot, os.TempDir())
	setString(&c.Paths.RendersDir, "renders")
	setString(&c.Paths.HistoryFile, "renders/history.json")
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Pipeline.Variant {
	case VariantStandard, VariantSimple:
	default:
		return fmt.Errorf("%w: unknown pipeline variant %q", ErrInvalidConfig, c.Pipeline.Variant)
	}

	if peak := c.Merge.Peak(); peak < 0 || peak > 1 {
		return fmt.Errorf("%w: merge.peak_target must be in [0, 1], got %f", ErrInvalidConfig, peak)
	}

	if c.Merge.Silence() < 0 {
		return fmt.Errorf("%w: merge.silence_seconds must be non-negative", ErrInvalidConfig)
	}

	if c.Thermal.ThrottleCelsius > c.Thermal.EmergencyCelsius {
		return fmt.Errorf("%w: thermal.throttle_celsius exceeds emergency_celsius", ErrInvalidConfig)
	}

	if c.Engine.GPUMemoryFraction <= 0 || c.Engine.GPUMemoryFraction > 1 {
		return fmt.Errorf("%w: engine.gpu_memory_fraction must be in (0, 1]", ErrInvalidConfig)
	}

	return nil
}

// PollInterval returns the supervisor tick.
func (s SupervisorConfig) PollInterval() time.Duration {
	return seconds(s.PollIntervalSeconds)
}

// KillGrace returns how long a terminated engine may take to exit.
func (s SupervisorConfig) KillGrace() time.Duration {
	return seconds(s.KillGraceSeconds)
}

// MinTimeout returns the floor of the adaptive timeout budget.
func (s SupervisorConfig) MinTimeout() time.Duration {
	return time.Duration(s.MinTimeoutSeconds) * time.Second
}

// PerSegmentTimeout returns the per-segment share of the timeout budget.
func (s SupervisorConfig) PerSegmentTimeout() time.Duration {
	return time.Duration(s.PerSegmentTimeoutSeconds) * time.Second
}

// QueryTimeout bounds a single telemetry call.
func (t ThermalConfig) QueryTimeout() time.Duration {
	return seconds(t.QueryTimeoutSeconds)
}

// CacheInterval is the minimum spacing between telemetry calls made for status reads.
func (t ThermalConfig) CacheInterval() time.Duration {
	return seconds(t.CacheSeconds)
}

// Silence returns the gap between segments in seconds, 0 when unset.
func (m MergeConfig) Silence() float64 {
	if m.SilenceSeconds == nil {
		return 0
	}

	return *m.SilenceSeconds
}

// Peak returns the normalization target, 0 (disabled) when unset.
func (m MergeConfig) Peak() float64 {
	if m.PeakTarget == nil {
		return 0
	}

	return *m.PeakTarget
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func setFloat(field *float64, value float64) {
	if *field == 0 {
		*field = value
	}
}

func setUnset(field **float64, value float64) {
	if *field == nil {
		*field = &value
	}
}
