package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/inboxlink/internal/config"
	"github.com/teemow/inboxlink/internal/instrumentation"
	"github.com/teemow/inboxlink/internal/logging"
	"github.com/teemow/inboxlink/internal/resources"
	"github.com/teemow/inboxlink/internal/server"
	"github.com/teemow/inboxlink/internal/tools/message_tools"
)

const (
	transportHTTP  = "http"
	transportStdio = "stdio"
)

type serveOptions struct {
	transport      string
	addr           string
	metricsAddr    string
	metrics        bool
	allowedOrigins string
	allowRemote    bool
	yolo           bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve extension messages locally, or tools over MCP",
		Long: `Start the local inboxlink server.

With the default http transport the extension's messages are accepted as
JSON on POST /message and over a WebSocket on /ws. The listener binds a
loopback address unless --allow-remote is set, and only the configured
origins (for example "chrome-extension://*") may call it.

With --transport stdio every action is exposed as an MCP tool instead,
and the link index, settings and sync status as MCP resources. Write
actions are hidden unless --yolo is set.

The [links] section of the config file is watched and re-applied while
the server runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.transport, "transport", transportHTTP, "Transport type: http or stdio")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Message listener address (default from config, 127.0.0.1:8765)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Metrics and health server address (default from config, 127.0.0.1:9090)")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", true, "Serve Prometheus metrics and health probes (http transport only)")
	cmd.Flags().StringVar(&opts.allowedOrigins, "allowed-origins", "", "Comma-separated origins or patterns allowed to call the listener (overrides config)")
	cmd.Flags().BoolVar(&opts.allowRemote, "allow-remote", false, "Allow binding a non-loopback address")
	cmd.Flags().BoolVar(&opts.yolo, "yolo", false, "Expose write actions as MCP tools (stdio transport). Default is read-only.")

	return cmd
}

func runServe(opts serveOptions) error {
	if opts.transport != transportHTTP && opts.transport != transportStdio {
		return fmt.Errorf("unsupported transport type: %s (supported: http, stdio)", opts.transport)
	}

	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version

	provider, err := instrumentation.NewProvider(shutdownCtx, instrConfig)
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("error during instrumentation shutdown", logging.Err(err))
		}
	}()

	var audit *instrumentation.AuditLogger
	if provider.Enabled() {
		audit = instrumentation.NewAuditLogger(logger, instrConfig.AuditLogging)
	}
	sc, err := server.NewServerContext(shutdownCtx, server.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: provider.Metrics(),
		Audit:   audit,
	})
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		if err := sc.Shutdown(); err != nil {
			logger.Warn("error during server context shutdown", logging.Err(err))
		}
	}()

	if err := config.WatchLinks(shutdownCtx, configPath, logger, sc.UpdateLinksConfig); err != nil {
		logger.Warn("config reload disabled", logging.Err(err))
	}
	sc.StartBackground()

	if opts.transport == transportStdio {
		return runStdio(sc, !opts.yolo)
	}
	return runHTTP(shutdownCtx, sc, provider, opts)
}

func runStdio(sc *server.ServerContext, readOnly bool) error {
	mcpSrv := mcpserver.NewMCPServer("inboxlink", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
	)
	if err := message_tools.RegisterMessageTools(mcpSrv, sc, readOnly); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	if err := resources.RegisterLinkResources(mcpSrv, sc); err != nil {
		return fmt.Errorf("failed to register resources: %w", err)
	}
	return runStdioServer(mcpSrv)
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := mcpserver.ServeStdio(mcpSrv); err != nil {
			serverDone <- err
		}
	}()

	err := <-serverDone
	if err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runHTTP(ctx context.Context, sc *server.ServerContext, provider *instrumentation.Provider, opts serveOptions) error {
	logger := slog.Default()
	cfg := sc.Config()
	health := server.NewHealthChecker(sc)

	origins := cfg.Server.AllowedOrigins
	if list := parseCommaSeparatedList(opts.allowedOrigins); list != nil {
		origins = list
	}
	if len(origins) == 0 {
		logger.Warn("no allowed origins configured, browser requests will be rejected")
	}

	msgServer, err := server.NewMessageServer(sc, server.TransportConfig{
		Addr:           opts.addr,
		AllowedOrigins: origins,
		AllowRemote:    opts.allowRemote,
		Health:         health,
	})
	if err != nil {
		return err
	}

	var metricsServer *server.MetricsServer
	if opts.metrics && provider.Enabled() {
		addr := opts.metricsAddr
		if addr == "" {
			addr = cfg.Server.MetricsAddr
		}
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    addr,
			Enabled:                 true,
			InstrumentationProvider: provider,
			Health:                  health,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(msgServer.Start)
	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		health.SetReady(false)
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		var errs []error
		if err := msgServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("message server: %w", err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server: %w", err))
			}
		}
		return errors.Join(errs...)
	})
	health.SetReady(true)

	return g.Wait()
}
