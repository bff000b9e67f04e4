// Command middleware runs the call-wakeup middleware: the HTTP API for the
// switch and the apps, the push dispatcher and the per-call wait loops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/api"
	"github.com/VoIPGRID/vialer-middleware/internal/call"
	"github.com/VoIPGRID/vialer-middleware/internal/config"
	"github.com/VoIPGRID/vialer-middleware/internal/database"
	"github.com/VoIPGRID/vialer-middleware/internal/database/pgstore"
	"github.com/VoIPGRID/vialer-middleware/internal/metrics"
	"github.com/VoIPGRID/vialer-middleware/internal/push"
	"github.com/VoIPGRID/vialer-middleware/internal/rendezvous"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	setupLogging(cfg)

	slog.Info("starting middleware", "http_port", cfg.HTTPPort)

	// Device registry: PostgreSQL when a DSN is given, SQLite otherwise.
	var devices api.DeviceStore
	if cfg.DBDSN != "" {
		store, err := pgstore.New(cfg.DBDSN)
		if err != nil {
			slog.Error("failed to open postgresql store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		devices = store
	} else {
		db, err := database.Open(cfg.DataDir)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		devices = db
	}

	redisClient, err := rendezvous.NewClient(cfg.RedisServerList)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	store := rendezvous.New(redisClient)
	sink := metrics.NewRedisSink(redisClient)

	responseAPI, err := push.ResponseAPIURL(cfg.AppAPIURL)
	if err != nil {
		slog.Error("invalid app-api-url", "error", err)
		os.Exit(1)
	}

	// Push transports. A platform with no configured transport NAKs its
	// calls after the full wait, the same as an unresponsive device.
	var apnsSender push.Transport
	if cfg.APNSKeyFile != "" {
		sender, err := push.NewAPNSSender(push.APNSConfig{
			KeyFile:  cfg.APNSKeyFile,
			KeyID:    cfg.APNSKeyID,
			TeamID:   cfg.APNSTeamID,
			BundleID: cfg.APNSBundleID,
		})
		if err != nil {
			slog.Error("failed to initialise apns sender", "error", err)
			os.Exit(1)
		}
		apnsSender = sender
	} else {
		slog.Warn("apns sender not configured (no --apns-key-file provided)")
	}

	var fcmSender push.Transport
	if cfg.FCMCredentialsFile != "" {
		sender, err := push.NewFCMSender(context.Background(), cfg.FCMCredentialsFile)
		if err != nil {
			slog.Error("failed to initialise fcm sender", "error", err)
			os.Exit(1)
		}
		fcmSender = sender
	} else {
		slog.Warn("fcm sender not configured (no --fcm-credentials provided)")
	}

	dispatcher := push.NewDispatcher(push.Config{
		APNS:         apnsSender,
		APNS2:        push.NewAPNS2Sender(cfg.CertDir, cfg.APNSBundleID),
		FCM:          fcmSender,
		GCM:          push.NewGCMSender(),
		APNS2Devices: cfg.APNS2DeviceList(),
		ResponseAPI:  responseAPI,
		Sink:         sink,
	})
	defer dispatcher.Close()

	coordinator := call.New(store, dispatcher, sink,
		cfg.RoundtripWaitDuration(), cfg.ResendIntervalDuration())

	auth := api.NewDirectoryAuth(cfg.DirectoryUserURL, cfg.DirectoryBaseURL)

	limiter := api.NewRateLimiter(api.DefaultRateLimiterConfig())
	defer limiter.Stop()

	handler := api.NewServer(devices, store, coordinator, dispatcher, auth, sink,
		cfg.RoundtripWaitDuration().Seconds(), limiter)

	// The write timeout has to outlast the wait budget or the switch loses
	// its verdict mid-loop.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RoundtripWaitDuration() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("middleware stopped")
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
