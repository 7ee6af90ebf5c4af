// intercomd runs one intercom device: the audio engine, the TCP session
// server for direct peers, an optional websocket endpoint for browser
// clients, and an optional broker connection for relayed calls.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	intercom "github.com/hausnet/intercom-go"
	"github.com/hausnet/intercom-go/broker"
	"github.com/hausnet/intercom-go/config"
	"github.com/hausnet/intercom-go/engine"
	"github.com/hausnet/intercom-go/proto"
	"github.com/hausnet/intercom-go/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		wsAddr     = flag.String("ws", "", "websocket listen address (empty disables)")
	)
	flag.Parse()

	if err := run(*configPath, *wsAddr); err != nil {
		slog.Error("intercomd failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(configPath, wsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// TODO: swap the loopback for an ALSA port once the hardware layer lands.
	eng, err := engine.New(engine.NewLoopbackPort(), nil, cfg.EngineConfig())
	if err != nil {
		return err
	}

	sessionOpts := []intercom.Option{
		intercom.WithDeviceID(cfg.DeviceID),
		intercom.WithAutoAccept(cfg.Session.AutoAccept),
		intercom.WithRingTimeout(cfg.Session.RingTimeout),
		intercom.WithPingInterval(cfg.Session.PingInterval),
		intercom.WithOnEvent(func(evt intercom.Event) {
			slog.Info("call event",
				slog.String("state", string(evt.State)),
				slog.String("reason", string(evt.Reason)),
				slog.String("peer", evt.Peer))
		}),
	}

	srv := intercom.NewServer(cfg.Session.Listen, eng, sessionOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Run(ctx); err != nil {
			slog.Error("session server failed", slog.Any("err", err))
			cancel()
		}
	}()

	var httpSrv *http.Server
	if wsAddr != "" {
		httpSrv = &http.Server{
			Addr: wsAddr,
			Handler: ws.Handler(ws.ServerConfig{}, func(conn net.Conn) {
				sess := intercom.NewSession(conn, eng, sessionOpts...)
				if err := sess.Run(ctx); err != nil {
					slog.Warn("websocket session ended", slog.Any("err", err))
				}
			}),
		}
		go func() {
			slog.Info("websocket listening", slog.String("addr", wsAddr))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("websocket server failed", slog.Any("err", err))
				cancel()
			}
		}()
	}

	if cfg.Broker.Enabled {
		client := broker.NewClient(cfg.Broker.Addr, cfg.DeviceID, eng,
			broker.WithClientAutoAccept(cfg.Session.AutoAccept),
			broker.WithClientOnEvent(func(evt broker.Event) {
				slog.Info("broker event",
					slog.String("state", string(evt.State)),
					slog.String("reason", evt.Reason),
					slog.String("peer", evt.Peer))
			}),
		)
		go func() {
			for {
				if err := client.Run(ctx); err != nil {
					slog.Warn("broker connection lost", slog.Any("err", err))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(proto.BrokerReconnect):
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				slog.Info("stats",
					slog.Any("server", srv.Stats()),
					slog.Uint64("engine_cycles", eng.Cycles()),
					slog.Uint64("engine_io_errors", eng.IOErrors()))
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
