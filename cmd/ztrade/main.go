package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ztrade/internal/app"
	ztcfg "ztrade/internal/config"
	"ztrade/internal/executor"
	"ztrade/internal/logger"
	"ztrade/internal/market"
)

func main() {
	cfgPath := os.Getenv("ZTRADE_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := ztcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config failed: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogFile)
	if err != nil {
		log.Fatalf("opening log file failed: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded from %s (%d strategies)", cfgPath, len(cfg.Strategies))

	// paper assembly: simulated feed and an in-process venue
	start := make(map[string]float64)
	for _, sc := range cfg.Strategies {
		for _, sym := range sc.Symbols {
			if _, ok := start[sym]; !ok {
				start[sym] = 100
			}
		}
	}
	feed := market.NewSimFeed(start, 0)
	broker := executor.NewPaperBroker(feed.Last)

	engine, err := app.New(cfg, feed, broker)
	if err != nil {
		log.Fatalf("initializing app failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("run failed: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, file))
	return file, nil
}
