// Package analysis wires the detector service together and runs it.
package analysis

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	apiv2 "github.com/earshot/earshot-go/internal/api/v2"
	"github.com/earshot/earshot-go/internal/awareness"
	"github.com/earshot/earshot-go/internal/conf"
	"github.com/earshot/earshot-go/internal/datastore"
	"github.com/earshot/earshot-go/internal/diarize"
	"github.com/earshot/earshot-go/internal/logging"
	"github.com/earshot/earshot-go/internal/mqtt"
	"github.com/earshot/earshot-go/internal/observability"
	"github.com/earshot/earshot-go/internal/pipeline"
	"github.com/earshot/earshot-go/internal/voiceembed"
)

// Realtime runs the ambient conversation detector service until SIGINT or
// SIGTERM: signal ingestion over HTTP, the session state machine and the
// asynchronous processing pipeline.
func Realtime(settings *conf.Settings) error {
	logger := logging.ForService("analysis")

	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database backend enabled in configuration")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() { _ = store.Close() }()

	metrics := observability.NewMetrics()

	diarizer := diarize.New(settings.Realtime.Services.Diarizer.URL,
		settings.Realtime.Services.Diarizer.Timeout)
	embedder := voiceembed.New(settings.Realtime.Services.Embedder.URL,
		settings.Realtime.Services.Embedder.Timeout)

	processor := pipeline.NewProcessor(settings, store, diarizer, embedder, metrics)
	queue := pipeline.NewQueue(processor, settings.Realtime.Pipeline.QueueSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx, settings.Realtime.Pipeline.Workers)
	defer queue.Stop()

	evaluator, err := awareness.NewEvaluator(&settings.Realtime.Detector)
	if err != nil {
		return err
	}

	opts := []awareness.Option{
		awareness.WithQueue(queue),
		awareness.WithMetrics(metrics),
	}

	publisher := mqtt.NewPublisher(settings)
	if publisher != nil {
		if err := publisher.Connect(); err != nil {
			logger.Warn("MQTT broker unavailable, continuing without it", "error", err)
		} else {
			defer publisher.Disconnect()
			opts = append(opts, awareness.WithSessionEndHook(publisher.PublishSessionEnd))
		}
	}

	detector := awareness.New(settings, store, evaluator, opts...)

	e := echo.New()
	e.HideBanner = true
	controller := apiv2.New(e, store, settings, detector, processor, queue, metrics)
	defer controller.Shutdown()

	go func() {
		addr := ":" + settings.WebServer.Port
		logger.Info("starting HTTP server", "addr", addr, "evaluator", evaluator.Name())
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quitChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}

// Process runs the conversation processing pipeline once for one session id
// and returns when it completes. Used by the process subcommand.
func Process(settings *conf.Settings, conversationID string) error {
	store := datastore.New(settings)
	if store == nil {
		return fmt.Errorf("no database backend enabled in configuration")
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("opening datastore: %w", err)
	}
	defer func() { _ = store.Close() }()

	diarizer := diarize.New(settings.Realtime.Services.Diarizer.URL,
		settings.Realtime.Services.Diarizer.Timeout)
	embedder := voiceembed.New(settings.Realtime.Services.Embedder.URL,
		settings.Realtime.Services.Embedder.Timeout)

	processor := pipeline.NewProcessor(settings, store, diarizer, embedder, nil)
	result, err := processor.Process(context.Background(), conversationID)
	if err != nil {
		return err
	}

	logging.ForService("analysis").Info("conversation processed",
		"conversation_id", conversationID,
		"segments", len(result.Segments),
		"speakers_created", result.SpeakersCreated,
		"chunks", result.ChunksProcessed,
		"skipped", result.ChunksSkipped,
	)
	return nil
}
