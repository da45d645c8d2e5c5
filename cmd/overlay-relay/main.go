// Command overlay-relay runs the rendezvous broker that overlay nodes use
// for signaling, gossip and fallback delivery.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nmxmxh/overlay/core/mesh/relay"
	"github.com/nmxmxh/overlay/internal/config"
	"github.com/nmxmxh/overlay/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

const (
	envFileFlag    = "env"
	addrFlag       = "addr"
	commitHashFlag = "commit-hash"
	logLevelFlag   = "log-level"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "overlay-relay"
	app.Usage = "rendezvous broker for overlay signaling, gossip and fallback delivery"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    envFileFlag,
			Usage:   "env file to load before reading OVERLAY_* variables",
			EnvVars: []string{"OVERLAY_ENV_FILE"},
		},
		&cli.StringFlag{
			Name:    addrFlag,
			Usage:   "listen address",
			EnvVars: []string{"OVERLAY_RELAY_ADDR"},
		},
		&cli.StringFlag{
			Name:    commitHashFlag,
			Usage:   "value reported by /status",
			EnvVars: []string{"OVERLAY_COMMIT_HASH"},
		},
		&cli.StringFlag{
			Name:    logLevelFlag,
			Usage:   "debug, info, warn or error",
			EnvVars: []string{"OVERLAY_LOG_LEVEL"},
		},
	}
	app.Action = run
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "overlay-relay:", err)
		os.Exit(1)
	}
}

func newRouter(srv *relay.Server, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(srv.Handler())
	return router
}

func loadConfig(ctx *cli.Context) (config.RelayServerConfig, error) {
	var paths []string
	if ctx.IsSet(envFileFlag) {
		paths = append(paths, ctx.String(envFileFlag))
	}
	cfg, err := config.LoadRelayServer(paths...)
	if err != nil {
		return config.RelayServerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if ctx.IsSet(addrFlag) {
		cfg.Addr = ctx.String(addrFlag)
	}
	if ctx.IsSet(commitHashFlag) {
		cfg.Server.CommitHash = ctx.String(commitHashFlag)
	}
	if ctx.IsSet(logLevelFlag) {
		cfg.Log.Level = ctx.String(logLevelFlag)
	}
	if err := cfg.Validate(); err != nil {
		return config.RelayServerConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}

	logger, logCloser, err := utils.NewLogger(cfg.Log.Logger("relay"))
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := relay.NewServer(cfg.Server, reg, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(srv, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger)
	shutdown.Register("http", server.Shutdown)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Addr, "commit_hash", cfg.Server.CommitHash)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("relay server failed", "error", runErr)
	}
	if err := shutdown.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
