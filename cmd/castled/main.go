package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appcfg "github.com/castled-io/castled/internal/config"
	"github.com/castled-io/castled/internal/coordinator"
	"github.com/castled-io/castled/internal/directory"
	"github.com/castled-io/castled/internal/matchmaking"
	"github.com/castled-io/castled/internal/obslog"
	"github.com/castled-io/castled/internal/room"
	"github.com/castled-io/castled/internal/session"
	"github.com/castled-io/castled/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := appcfg.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	coord := coordinator.New(cfg,
		directory.New(cfg.DefaultRating),
		room.NewRegistry(cfg.RoomIdleTTL),
		session.NewRegistry(cfg.SessionRetention, cfg.RoomIdleTTL),
		matchmaking.NewQueue(),
		nil,
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, ws.NewServer(coord))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obslog.L().Info("server_listen", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				coord.Sweep()
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		obslog.L().Error("server_error", zap.Error(err))
	}
	obslog.L().Info("server_stopped")
}
