package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	api "github.com/xmidt-org/devicemgr/internal/http"
	"github.com/xmidt-org/devicemgr/controlplane"
)

// ControlPlaneConfig configures the offline buffering control-plane HTTP
// server: the REST surface for pause/selection/rebalance/peek operations
// against a controlplane.Core.
type ControlPlaneConfig struct {
	ListenAddr string
	Core       *controlplane.Core
	Logger     *log.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrNilCore = errors.New("control-plane server: core is nil")

// StartControlPlaneServer starts an HTTP server exposing the offline
// buffering control-plane endpoints under /api/offline/. It stops when ctx
// is canceled.
func StartControlPlaneServer(ctx context.Context, cfg ControlPlaneConfig) (*http.Server, <-chan error, error) {
	if cfg.Core == nil {
		return nil, nil, ErrNilCore
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8091"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/offline/snapshot", api.ControlSnapshotHandler(cfg.Core))
	mux.HandleFunc("/api/offline/pause", api.PauseHandler(cfg.Core))
	mux.HandleFunc("/api/offline/drain-pause", api.DrainPauseHandler(cfg.Core))
	mux.HandleFunc("/api/offline/reset", api.ResetHandler(cfg.Core))
	mux.HandleFunc("/api/offline/rebalance", api.RebalanceHandler(cfg.Core))
	mux.HandleFunc("/api/offline/estimate", api.EstimateHandler(cfg.Core))
	mux.HandleFunc("/api/offline/peek", api.PeekHandler(cfg.Core))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		cfg.Logger.Printf("offline control-plane API listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}
