// Command metricsd drains the Redis metric queues into Prometheus counters
// and serves them on a scrape endpoint. It runs next to the middleware so
// scrapes never touch the call path.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VoIPGRID/vialer-middleware/internal/database/pgstore"
	"github.com/VoIPGRID/vialer-middleware/internal/metrics"
	"github.com/VoIPGRID/vialer-middleware/internal/rendezvous"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	httpPort := flag.Int("http-port", 9090, "HTTP scrape endpoint listen port")
	redisServers := flag.String("redis-server-list", "127.0.0.1:6379", "comma-separated host:port list of Redis nodes")
	dbDSN := flag.String("db-dsn", "", "PostgreSQL connection string for the db_health gauge")
	interval := flag.Duration("scrape-interval", 15*time.Second, "how often the metric queues are drained")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	slog.Info("starting metricsd", "http_port", *httpPort, "scrape_interval", interval.String())

	client, err := rendezvous.NewClient(*redisServers)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	var db metrics.DBPinger
	if *dbDSN != "" {
		store, err := pgstore.New(*dbDSN)
		if err != nil {
			slog.Error("failed to open postgresql store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		db = store
	} else {
		slog.Warn("no --db-dsn provided, db_health gauge disabled")
	}

	reg := prometheus.NewRegistry()
	scraper := metrics.NewScraper(client, db, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scraper.Run(ctx, *interval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *httpPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
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

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("metricsd stopped")
}
