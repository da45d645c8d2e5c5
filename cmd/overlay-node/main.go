// Command overlay-node joins an overlay through a relay and serves
// introspection endpoints over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/overlay/core/mesh/common"
	"github.com/nmxmxh/overlay/core/mesh/transport"
	"github.com/nmxmxh/overlay/internal/config"
	"github.com/nmxmxh/overlay/internal/core"
	"github.com/nmxmxh/overlay/internal/network"
	"github.com/nmxmxh/overlay/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
)

const (
	envFileFlag  = "env"
	relayURLFlag = "relay-url"
	prefixFlag   = "prefix"
	httpAddrFlag = "http-addr"
	logLevelFlag = "log-level"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "overlay-node"
	app.Usage = "join an overlay through a relay and serve introspection endpoints"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    envFileFlag,
			Usage:   "env file to load before reading OVERLAY_* variables",
			EnvVars: []string{"OVERLAY_ENV_FILE"},
		},
		&cli.StringFlag{
			Name:    relayURLFlag,
			Usage:   "websocket URL of the relay",
			EnvVars: []string{"OVERLAY_RELAY_URL"},
		},
		&cli.StringFlag{
			Name:    prefixFlag,
			Usage:   "overlay namespace on the relay",
			EnvVars: []string{"OVERLAY_RELAY_PREFIX"},
		},
		&cli.StringFlag{
			Name:    httpAddrFlag,
			Usage:   "listen address of the introspection API",
			EnvVars: []string{"OVERLAY_HTTP_ADDR"},
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
		fmt.Fprintln(os.Stderr, "overlay-node:", err)
		os.Exit(1)
	}
}

// loadConfig reads the env file and OVERLAY_* variables, then applies
// command line flags on top.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	var paths []string
	if ctx.IsSet(envFileFlag) {
		paths = append(paths, ctx.String(envFileFlag))
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if ctx.IsSet(relayURLFlag) {
		cfg.Relay.URL = ctx.String(relayURLFlag)
	}
	if ctx.IsSet(prefixFlag) {
		cfg.Relay.Prefix = ctx.String(prefixFlag)
	}
	if ctx.IsSet(httpAddrFlag) {
		cfg.HTTP.Addr = ctx.String(httpAddrFlag)
	}
	if ctx.IsSet(logLevelFlag) {
		cfg.Log.Level = ctx.String(logLevelFlag)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}

	logger, logCloser, err := utils.NewLogger(cfg.Log.Logger("node"))
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := transport.NewWebRTCFactory(cfg.Transport, logger)

	// The processor sends through the node; the node hands it messages.
	var processor *core.Processor
	node := network.NewNode(network.Config{
		Overlay:        cfg.Overlay,
		Prefix:         cfg.Relay.Prefix,
		DialMaxElapsed: cfg.Relay.DialMaxElapsed,
	}, network.RelayDialer(cfg.RelayClient(), logger), factory, reg, func(from common.PeerID, payload []byte) {
		processor.HandleMessage(from, payload)
	}, logger)
	processor = core.NewProcessor(node, logger)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newAPI(node, processor, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	nodeDone := make(chan error, 1)
	go func() { nodeDone <- node.Run(runCtx) }()
	go processor.Run(runCtx, cfg.Probe.Interval, 30*time.Second)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("API ready", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := utils.NewGracefulShutdown(cfg.ShutdownTimeout, logger)
	shutdown.Register("node", func(ctx context.Context) error {
		cancelRun()
		select {
		case err := <-nodeDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("http", server.Shutdown)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("http server failed", "error", runErr)
	case runErr = <-nodeDone:
		// Run only returns early when the relay stays unreachable.
		nodeDone <- runErr
		logger.Error("node stopped", "error", runErr)
	}

	if err := shutdown.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
