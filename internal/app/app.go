// Package app assembles the render pipeline and its NATS plumbing from
// configuration. Both the service and the command-line client build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/config"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/history"
	"github.com/book-expert/voice-render-service/internal/metrics"
	"github.com/book-expert/voice-render-service/internal/objectstore"
	"github.com/book-expert/voice-render-service/internal/profile"
	"github.com/book-expert/voice-render-service/internal/tts"
	"github.com/book-expert/voice-render-service/internal/tts/audio"
	"github.com/book-expert/voice-render-service/internal/tts/engine"
	"github.com/book-expert/voice-render-service/internal/tts/text"
	"github.com/book-expert/voice-render-service/internal/tts/thermal"
	"github.com/book-expert/voice-render-service/internal/tts/ttsutils"
	"github.com/book-expert/voice-render-service/internal/worker"
	"github.com/nats-io/nats.go"
)

// Pipeline is a fully wired Processor plus the stores it owns.
type Pipeline struct {
	Processor *tts.Processor
	Thermal   *thermal.Monitor
	History   *history.Store
	Metrics   *metrics.Store
}

// Close releases the metrics database.
func (p *Pipeline) Close() error {
	return p.Metrics.Close()
}

// NewPipeline builds every pipeline stage described by cfg.
func NewPipeline(cfg *config.Config, log *logger.Logger) (*Pipeline, error) {
	for _, dir := range []string{cfg.Paths.WorkRoot, cfg.Paths.RendersDir} {
		err := ttsutils.EnsureDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare directory %s: %w", dir, err)
		}
	}

	monitor := thermal.New(thermal.Options{
		Command: cfg.Thermal.Command,
		Thresholds: thermal.Thresholds{
			ThrottleCelsius:  cfg.Thermal.ThrottleCelsius,
			EmergencyCelsius: cfg.Thermal.EmergencyCelsius,
		},
		QueryTimeout:  cfg.Thermal.QueryTimeout(),
		CacheInterval: cfg.Thermal.CacheInterval(),
	}, log)

	runner := engine.NewRunner(EngineOptions(cfg), monitor, nil, log)

	merger, err := audio.NewMerger(audio.MergeOptions{
		SilenceSeconds: cfg.Merge.Silence(),
		PeakTarget:     cfg.Merge.Peak(),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create merger: %w", err)
	}

	metricsStore, err := openMetrics(cfg, log)
	if err != nil {
		return nil, err
	}

	historyStore, err := history.Open(cfg.Paths.HistoryFile, history.DefaultCapacity, log)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open history: %w", err), metricsStore.Close())
	}

	processor, err := tts.NewProcessor(tts.Options{
		WorkRoot:   cfg.Paths.WorkRoot,
		RendersDir: cfg.Paths.RendersDir,
		MaxWords:   cfg.Text.MaxWords,
	}, tts.Deps{
		Profiles: profile.NewStore(cfg.Profiles.File, cfg.Profiles.DefaultID),
		Normalizer: text.NewNormalizer(text.Options{
			MinChars:       cfg.Text.MinChars,
			FallbackPhrase: cfg.Text.FallbackPhrase,
		}, log),
		Prompts: audio.NewResampler(cfg.Audio.Resampler, cfg.Audio.PromptSampleRate, log),
		Runner:  runner,
		Merger:  merger,
		Metrics: metricsStore,
		History: historyStore,
	}, log)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create processor: %w", err), metricsStore.Close())
	}

	log.Info("[app] pipeline ready (variant %s, profiles %s)", cfg.Pipeline.Variant, cfg.Profiles.File)

	return &Pipeline{Processor: processor, Thermal: monitor, History: historyStore, Metrics: metricsStore}, nil
}

// EngineOptions maps the engine and supervisor sections onto runner options.
func EngineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Executable:        cfg.Engine.Executable,
		Args:              cfg.Engine.Args,
		WorkDir:           cfg.Engine.WorkDir,
		ModelDir:          cfg.Engine.ModelDir,
		CheckpointName:    cfg.Engine.CheckpointName,
		Tokenizer:         cfg.Engine.Tokenizer,
		Language:          cfg.Engine.Language,
		GPUMemoryFraction: cfg.Engine.GPUMemoryFraction,
		PollInterval:      cfg.Supervisor.PollInterval(),
		KillGrace:         cfg.Supervisor.KillGrace(),
		MinTimeout:        cfg.Supervisor.MinTimeout(),
		PerSegmentTimeout: cfg.Supervisor.PerSegmentTimeout(),
	}
}

func openMetrics(cfg *config.Config, log *logger.Logger) (*metrics.Store, error) {
	if cfg.Paths.MetricsDB == "" {
		return metrics.New(metrics.DefaultCapacity, log), nil
	}

	store, err := metrics.Open(cfg.Paths.MetricsDB, metrics.DefaultCapacity, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %w", err)
	}

	return store, nil
}

// Subjects maps the NATS section onto worker subjects.
func Subjects(cfg *config.Config) worker.Subjects {
	return worker.Subjects{
		Render:  cfg.NATS.TextProcessedSubject,
		Stop:    cfg.NATS.StopSubject,
		Status:  cfg.NATS.StatusSubject,
		GPU:     cfg.NATS.GPUSubject,
		History: cfg.NATS.HistorySubject,
	}
}

// Stores reads input texts from one bucket and writes rendered audio to
// another.
type Stores struct {
	Text  *objectstore.NatsObjectStore
	Audio *objectstore.NatsObjectStore
}

var _ core.ObjectStore = (*Stores)(nil)

// Download reads from the text bucket.
func (s *Stores) Download(ctx context.Context, key string) ([]byte, error) {
	return s.Text.Download(ctx, key)
}

// Upload writes to the audio bucket.
func (s *Stores) Upload(ctx context.Context, key string, data []byte) error {
	return s.Audio.Upload(ctx, key, data)
}

// UploadFile streams a file into the audio bucket.
func (s *Stores) UploadFile(ctx context.Context, key, path string) error {
	return s.Audio.UploadFile(ctx, key, path)
}

// Connect dials NATS and binds both object store buckets.
func Connect(cfg *config.Config, log *logger.Logger) (*nats.Conn, *Stores, error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL,
		nats.Name("voice-render-service"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, disconnectErr error) {
			if disconnectErr != nil {
				log.Warn("[app] disconnected from NATS: %v", disconnectErr)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("[app] reconnected to %s", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	textStore, err := objectstore.New(jetstreamContext, cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, err
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, err
	}

	return natsConnection, &Stores{Text: textStore, Audio: audioStore}, nil
}
