package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/birddigital/spa-voice-bridge/pkg/booking"
	"github.com/birddigital/spa-voice-bridge/pkg/bridge"
	"github.com/birddigital/spa-voice-bridge/pkg/callsessions"
	"github.com/birddigital/spa-voice-bridge/pkg/config"
	"github.com/birddigital/spa-voice-bridge/pkg/conversationlog"
	"github.com/birddigital/spa-voice-bridge/pkg/dispatch"
	"github.com/birddigital/spa-voice-bridge/pkg/frontdoor"
	"github.com/birddigital/spa-voice-bridge/pkg/logging"
)

const aiRealtimeBaseURL = "wss://api.openai.com/v1/realtime"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Nothing is wired yet, including the logger's configured level, so
		// this is the one place a plain stderr write is correct.
		println("config: " + err.Error())
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting spa-voice-bridge", "port", cfg.Port, "model", cfg.OpenAIModel)

	appCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	dbPool := connectPostgres(appCtx, cfg.DatabaseURL, logger)
	defer dbPool.Close()

	bookingClient := booking.NewClient(dbPool)
	callStore := callsessions.NewStore(dbPool)
	convLogStore := conversationlog.NewStore(dbPool)

	dispatcher := dispatch.New(bookingClient, logger, cfg.SessionDurationHrs, cfg.ToolDispatchTimeout)

	br := bridge.New(bridge.Config{
		AIBaseURL:               aiRealtimeBaseURL,
		AIAPIKey:                cfg.OpenAIAPIKey,
		AIModel:                 cfg.OpenAIModel,
		Voice:                   cfg.Voice,
		SpaName:                 cfg.SpaName,
		SessionDurationHours:    cfg.SessionDurationHrs,
		InputTranscriptionModel: "whisper-1",
	}, logger, dispatcher, convLogStore, callStore)

	server := frontdoor.New(cfg, logger, br, callStore, convLogStore, bookingClient, dispatcher)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the media-stream WebSocket handler runs for the life of a call
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			os.Exit(1)
		}
	}()

	<-appCtx.Done()
	logger.Info("shutdown signal received")

	// Cancel every in-flight session's root context first, so sessions run
	// through their normal TERMINATING path instead of having their sockets
	// yanked out from under them by Shutdown closing listeners.
	br.Registry().Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server forced to shutdown", "err", err)
	}

	logger.Info("spa-voice-bridge stopped")
}

func connectPostgres(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(dialCtx, databaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "err", err)
		os.Exit(1)
	}
	if err := pool.Ping(dialCtx); err != nil {
		logger.Error("failed to ping postgres", "err", err)
		os.Exit(1)
	}
	logger.Info("connected to postgres")
	return pool
}
