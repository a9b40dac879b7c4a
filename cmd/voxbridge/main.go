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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/api"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/gateway"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/metrics"
	"github.com/voxbridge/voxbridge/internal/realtime"
	"github.com/voxbridge/voxbridge/internal/registry"
	sipserver "github.com/voxbridge/voxbridge/internal/sip"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/store/archive"
	"github.com/voxbridge/voxbridge/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voxbridge",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"data_dir", cfg.DataDir,
	)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	var arch *archive.Archive
	if cfg.ArchiveDSN != "" {
		arch, err = archive.Open(appCtx, cfg.ArchiveDSN, logger)
		if err != nil {
			slog.Error("failed to open transcript archive", "error", err)
			os.Exit(1)
		}
		defer arch.Close()
	}

	pool, err := media.NewPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create rtp port pool", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	gw := gateway.New(reg, logger)
	resolver := workflow.NewResolver(st, cfg.DefaultModel, cfg.DefaultVoice, logger)
	minter := realtime.NewMinter(cfg.ProviderAPIBase, cfg.ProviderAPIKey, logger)

	sipSrv, err := sipserver.NewServer(sipserver.Deps{
		Cfg:      cfg,
		Store:    st,
		Archive:  arch,
		Resolver: resolver,
		Minter:   minter,
		Registry: reg,
		Notify:   gw,
		Pool:     pool,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(sipSrv, reg, pool, gw, st, time.Now()))
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	handler, err := api.NewServer(cfg, st, reg, gw, metricsHandler)
	if err != nil {
		slog.Error("failed to create http server", "error", err)
		os.Exit(1)
	}
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
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

	slog.Info("shutting down servers")
	sipSrv.Stop()
	gw.CloseAll()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voxbridge stopped")
}
