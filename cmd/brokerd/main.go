// brokerd runs the rendezvous broker that relays calls between devices
// which cannot reach each other directly.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hausnet/intercom-go/broker"
	"github.com/hausnet/intercom-go/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("brokerd failed", slog.Any("err", err))
		os.Exit(1)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		slog.Error("brokerd failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	b := broker.New(cfg.Broker.Listen, broker.WithCallTimeout(cfg.Broker.CallTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := b.Run(ctx); err != nil {
			slog.Error("broker failed", slog.Any("err", err))
			cancel()
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				slog.Info("stats", slog.Any("broker", b.Stats()))
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	if err := b.Shutdown(); err != nil {
		slog.Error("shutdown failed", slog.Any("err", err))
		os.Exit(1)
	}
}
