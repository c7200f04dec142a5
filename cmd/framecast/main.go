package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framecast/framecast/internal/config"
	"github.com/framecast/framecast/internal/deliver"
	"github.com/framecast/framecast/internal/frame"
	"github.com/framecast/framecast/internal/logx"
	"github.com/framecast/framecast/internal/registry"
	"github.com/framecast/framecast/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// logViewer is the built-in viewer collaborator used when the server runs
// standalone: it logs frame arrivals instead of rendering them. An embedding
// viewer application replaces it with its own deliver.Viewer.
type logViewer struct{}

func (logViewer) OnFrame(streamID string, f *frame.Frame) {
	logx.Log.Debug().Str("stream_id", streamID).Uint64("seq", f.Seq).Int("bytes", len(f.Payload)).Msg("frame")
}

func (logViewer) OnFramesDropped(streamID string, estimate uint64) {
	logx.Log.Warn().Str("stream_id", streamID).Uint64("estimate", estimate).Msg("frames dropped")
}

func (logViewer) OnStreamClosed(streamID, reason string) {
	logx.Log.Info().Str("stream_id", streamID).Str("reason", reason).Msg("stream closed")
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "framecast version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("framecast version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	reg := registry.New(cfg.StreamGrace)
	mgr := deliver.NewManager(logViewer{}, cfg.PollInterval)
	reg.AddObserver(mgr)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Log.Warn().Msg("termination requested")
		cancel()
	}()

	handler := server.New(ctx, cfg, reg)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	go func() {
		logx.Log.Info().Int("port", cfg.Port).Str("ws_path", cfg.WSPath).Msg("framecast listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()
	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	reg.CloseAll("server shutdown")
	mgr.Stop()
	logx.Log.Info().Msg("framecast stopped")
}
