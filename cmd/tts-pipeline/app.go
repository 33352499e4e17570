package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/artifact"
	"github.com/book-expert/tts-pipeline/internal/audio"
	"github.com/book-expert/tts-pipeline/internal/bus"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
	"github.com/book-expert/tts-pipeline/internal/dispatch"
	"github.com/book-expert/tts-pipeline/internal/engine"
	"github.com/book-expert/tts-pipeline/internal/merge"
	"github.com/book-expert/tts-pipeline/internal/objectstore"
	"github.com/book-expert/tts-pipeline/internal/readingrule"
	"github.com/book-expert/tts-pipeline/internal/store"
	"github.com/book-expert/tts-pipeline/internal/synthesis"
	"github.com/book-expert/tts-pipeline/internal/telemetry"
	"github.com/book-expert/tts-pipeline/internal/text"
	"github.com/book-expert/tts-pipeline/internal/webhook"
	"github.com/book-expert/tts-pipeline/internal/worker"
	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// loadEnv reads engine credentials from envFile; a missing default file is fine.
func loadEnv(envFile string) error {
	path := envFile
	if path == "" {
		path = defaultEnvFile
	}

	err := godotenv.Load(path)
	if err != nil && (envFile != "" || !errors.Is(err, os.ErrNotExist)) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}

	return nil
}

// bootstrap loads configuration with a temporary logger and returns the final one.
func bootstrap(configPath, envFile string) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), "tts-pipeline-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return nil, nil, err
	}

	defer func() { _ = bootstrapLog.Close() }()

	err = loadEnv(envFile)
	if err != nil {
		bootstrapLog.Error("%v", err)

		return nil, nil, err
	}

	var cfg *config.Config

	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load(bootstrapLog)
	}

	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "tts-pipeline.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, nil, fmt.Errorf("failed to create final logger: %w", err)
	}

	return cfg, finalLog, nil
}

// pipeline holds every wired component of one process.
type pipeline struct {
	cfg       *config.Config
	log       *logger.Logger
	store     *store.Store
	embedded  *bus.EmbeddedServer
	client    *bus.Client
	telemetry *telemetry.Provider
	producers *dispatch.Producers
	engine    *engine.Client
	rules     *readingrule.Coordinator
	synthesis *synthesis.Service
	merges    *merge.Service
	pool      *worker.Pool
	webhook   *webhook.Server
}

func defaultSetting(cfg config.SynthesisDefaults) core.SynthesisSetting {
	return core.SynthesisSetting{
		VoiceID:    cfg.VoiceID,
		SpeechRate: cfg.SpeechRate,
		Volume:     cfg.Volume,
		Pitch:      cfg.Pitch,
	}
}

// wire builds the pipeline. On error everything opened so far is closed.
func wire(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *pipeline, err error) {
	p := &pipeline{cfg: cfg, log: log}

	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.store, err = store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	if cfg.NATS.Embedded && cfg.NATS.EmbeddedStoreDir == "" {
		cfg.NATS.EmbeddedStoreDir = filepath.Join(cfg.Paths.TempDir, "jetstream")
	}

	p.embedded, err = bus.StartEmbedded(cfg.NATS, log)
	if err != nil {
		return nil, err
	}

	p.client, err = bus.Connect(cfg.NATS, p.embedded.ClientURL(), log)
	if err != nil {
		return nil, err
	}

	js := p.client.JetStream()

	_, err = bus.EnsureStream(ctx, js, cfg.Bus.StreamName, cfg.Bus.Topic)
	if err != nil {
		return nil, err
	}

	objects, err := objectstore.New(ctx, js, cfg.Storage.Bucket, objectstore.Options{
		KeyPrefix:     cfg.Storage.KeyPrefix,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		return nil, err
	}

	p.telemetry, err = telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	metrics := p.telemetry.Metrics
	tracer := p.telemetry.Tracer

	merger, err := audio.NewMerger(cfg.Audio)
	if err != nil {
		return nil, err
	}

	p.producers = dispatch.NewProducers(bus.NewPublisher(js, cfg.Bus.Topic, log), metrics)
	p.engine = engine.NewClient(cfg.Engine)

	vocabulary := engine.NewVocabularyClient(p.engine, cfg.Vocabulary.GroupID, cfg.Vocabulary.RequestsPerSecond)
	p.rules = readingrule.NewCoordinator(p.store, vocabulary, log)
	aggregator := synthesis.NewAggregator(p.store, p.store, log)
	fetcher := artifact.NewFetcher(cfg.Paths.TempDir, cfg.Engine.Timeout())

	p.synthesis = synthesis.NewService(p.store, p.producers, aggregator,
		text.NewSplitter(cfg.Synthesis.Delimiters), defaultSetting(cfg.Synthesis), log)
	p.merges = merge.NewService(p.store, p.producers, objects, fetcher, merger, cfg.Paths.TempDir, metrics, log)

	dispatcher := synthesis.NewDispatcher(p.store, p.rules, p.engine, aggregator, metrics, tracer, log)
	limiter := dispatch.NewLimiter(cfg.Dispatch.DrainInterval(), cfg.Dispatch.QueueCapacity, dispatcher, metrics, log)
	callbacks := synthesis.NewCallbackHandler(p.store, fetcher, objects, aggregator, metrics, tracer, log)

	p.pool, err = worker.NewPool(js, cfg.Bus, limiter, dispatcher, callbacks, p.merges, log)
	if err != nil {
		return nil, err
	}

	p.webhook = webhook.NewServer(cfg.Webhook, p.producers, p.client.Healthy, p.telemetry.Handler, log)

	return p, nil
}

// Close releases everything in reverse order of creation.
func (p *pipeline) Close() {
	if p.telemetry != nil {
		shutdownErr := p.telemetry.Shutdown(context.Background())
		if shutdownErr != nil {
			p.log.Warn("Telemetry shutdown failed: %v", shutdownErr)
		}
	}

	p.client.Close()
	p.embedded.Shutdown()

	if p.store != nil {
		closeErr := p.store.Close()
		if closeErr != nil {
			p.log.Warn("Failed to close store: %v", closeErr)
		}
	}
}
