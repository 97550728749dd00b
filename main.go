package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/john/chatrelay/internal/beam"
	"github.com/john/chatrelay/internal/config"
	"github.com/john/chatrelay/internal/event"
	"github.com/john/chatrelay/internal/health"
	"github.com/john/chatrelay/internal/message"
	"github.com/john/chatrelay/internal/recorder"
	"github.com/john/chatrelay/internal/telemetry"
	"github.com/john/chatrelay/internal/uploader"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info().Str("channel", cfg.Beam.URL).Msg("chatrelay starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "chatrelay")
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	messageChan := make(chan message.Message, cfg.Recorder.BufferSize)
	fileChan := make(chan string, 100)
	closed := make(chan struct{}, 1)

	bus := event.New()
	module, err := beam.New(bus, beam.Options{
		Module: message.Module{
			Name:   cfg.Beam.Name,
			Caster: message.Caster{Identify: cfg.Beam.Identify},
		},
		BaseURL:          cfg.Beam.BaseURL,
		Origin:           cfg.Beam.Origin,
		UserAgent:        cfg.Beam.UserAgent,
		KeepaliveDelay:   cfg.Beam.Keepalive,
		HTTPTimeout:      cfg.Beam.HTTPTimeout,
		HandshakeTimeout: cfg.Beam.HandshakeTimeout,
		Logger:           &logger,
	}, cfg.Beam.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create chat module")
	}

	bus.Subscribe(event.EventMessage, func(payload any) {
		msg, ok := payload.(message.Message)
		if !ok {
			return
		}
		select {
		case messageChan <- msg:
		case <-ctx.Done():
		}
	})
	bus.Subscribe(event.EventError, func(payload any) {
		err, _ := payload.(error)
		logger.Error().Err(err).Str("code", beam.CodeOf(err).String()).Msg("chat module error")
	})
	bus.Subscribe(event.EventClose, func(any) {
		select {
		case closed <- struct{}{}:
		default:
		}
	})

	rec := recorder.New(recorder.Options{
		OutputDir:       cfg.Recorder.OutputDir,
		BufferSize:      cfg.Recorder.BufferSize,
		RotateMinutes:   cfg.Recorder.RotateMinutes,
		RotateMegabytes: cfg.Recorder.RotateMegabytes,
		Logger:          logger,
	})

	var uploaderInstance *uploader.Uploader
	if cfg.S3.Enabled() {
		if cfg.S3.RoleARN != "" {
			logger.Info().Str("role_arn", cfg.S3.RoleARN).Msg("using OIDC authentication")
		} else {
			logger.Warn().Msg("using static AWS credentials (deprecated), migrate to OIDC")
		}
		uploaderInstance, err = uploader.New(ctx, uploader.Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			RoleARN:         cfg.S3.RoleARN,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Endpoint:        cfg.S3.Endpoint,
			DeleteAfter:     cfg.Uploader.DeleteAfterUpload,
			MaxRetries:      cfg.Uploader.MaxRetries,
			Logger:          logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create uploader")
		}

		if err := uploaderInstance.ScanAndUploadExisting(ctx, cfg.Recorder.OutputDir); err != nil {
			logger.Warn().Err(err).Msg("failed to scan for existing files")
		}
	} else {
		logger.Info().Str("dir", cfg.Recorder.OutputDir).Msg("s3 not configured, keeping recordings local")
	}

	healthServer := health.New(cfg.Health.Addr, func() string { return module.State().String() }, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rec.Start(ctx, messageChan, fileChan); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("recorder stopped")
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if uploaderInstance == nil {
			for {
				select {
				case path := <-fileChan:
					logger.Debug().Str("file", path).Msg("recording closed")
				case <-ctx.Done():
					return
				}
			}
		}
		if err := uploaderInstance.Start(ctx, fileChan); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("uploader stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Start(); err != nil {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	module.Connect(ctx)
	logger.Info().Msg("all components started")

	// The module does not reconnect; a closed connection ends the process so
	// the supervisor can restart it.
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-closed:
		logger.Warn().Msg("chat connection closed, shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	module.Disconnect()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down health server")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all components stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("shutdown timeout exceeded, forcing exit")
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush traces")
	}
	logger.Info().Msg("chatrelay stopped")
}
