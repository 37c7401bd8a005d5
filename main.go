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
)

var (
	configPath      = flag.String("config", "", "path to YAML config file")
	httpPort        = flag.Int("port", 0, "HTTP port (overrides config)")
	dataDir         = flag.String("data_dir", "", "location snapshot directory (overrides config)")
	shutdownTimeout = flag.Duration("shutdown_timeout", 10*time.Second, "HTTP server shutdown timeout")
)

func main() {
	flag.Parse()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("configuration error", "error", err)
		os.Exit(1)
	}
	if *httpPort != 0 {
		cfg.Server.Port = *httpPort
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
	}

	store, err := newFileStore(cfg.Server.DataDir)
	if err != nil {
		log.Error("storage init error", "error", err)
		os.Exit(1)
	}

	h := newHub(log, cfg.Server.MaxSubscribers)
	srv := &server{
		tokens: newTokenService(cfg.Auth.SigningSecret, cfg.Auth.ttl),
		store:  store,
		hub:    h,
		log:    log,
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           withLogging(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port, "data_dir", cfg.Server.DataDir)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	pctx, pcancel := context.WithCancel(context.Background())
	if cfg.Feed.VehiclePositionsURL != "" {
		feed := newGtfsRTFeedSource(cfg.Feed.VehiclePositionsURL, 10*time.Second)
		poll := newPoller(feed, store, h, log, cfg.Feed.RefreshMinSecs)
		log.Info("feed ingest enabled", "url", cfg.Feed.VehiclePositionsURL)
		go poll.run(pctx)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("shutdown initiated")

	pcancel()
	h.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	} else {
		log.Info("HTTP server shut down")
	}
}
