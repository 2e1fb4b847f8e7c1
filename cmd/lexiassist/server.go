package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/lensisku/lexiassist/internal/api"
	"github.com/lensisku/lexiassist/internal/config"
	"github.com/lensisku/lexiassist/internal/ingest"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		warm, _ := cmd.Flags().GetBool("warm")
		noBackfill, _ := cmd.Flags().GetBool("no-backfill")
		return runServer(serveOptions{host: host, warm: warm, backfill: !noBackfill})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve semantic_search over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and lexicon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("host", "127.0.0.1", "interface to listen on")
	serveCmd.Flags().Bool("warm", false, "load the embedding model at startup instead of on first use")
	serveCmd.Flags().Bool("no-backfill", false, "do not compute missing definition embeddings in the background")
}

type serveOptions struct {
	host     string
	warm     bool
	backfill bool
}

func runServer(opts serveOptions) error {
	fmt.Fprintf(os.Stderr, "lexiassist version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if cfg.Assistant.APIKey == "" {
		printWarning("OPENROUTER_API_KEY is not set; /assistant/chat will fail until it is configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	if comps.engine != nil && opts.warm {
		go func() {
			start := time.Now()
			if err := comps.engine.Initialize(ctx); err != nil {
				logger.Error("embedding model failed to load; it will be retried on first use", "error", err)
				return
			}
			logger.Info("embedding model ready", "dimension", comps.engine.Dimension(), "duration", time.Since(start))
		}()
	}

	if comps.engine != nil && opts.backfill {
		worker := ingest.NewWorker(comps.store, comps.engine, cfg.Ingest.BatchSize, cfg.Ingest.PollInterval)
		go worker.Run(ctx)
	}

	handler := api.NewHandler(api.Deps{
		Assistant:   comps.assistant,
		Search:      comps.tool,
		Models:      comps.proxy,
		Definitions: comps.store,
		Token:       cfg.Server.APIToken,
		Logger:      logger,
	})

	addr := net.JoinHostPort(opts.host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lexiassist listening", "addr", addr, "model", cfg.Assistant.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout carries the protocol; logs go to stderr.
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Search:    comps.tool,
		Languages: comps.store,
		Version:   version,
		Logger:    logger,
	})
	logger.Info("MCP server started (stdio transport)")

	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	var apiErr *apiError
	err = client.call(ctx, http.MethodGet, "/health", nil, nil)
	switch {
	case err == nil:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	case errors.As(err, &apiErr):
		printStatus("Server", "error (HTTP %d)", apiErr.Status)
	default:
		printStatus("Server", "stopped")
	}

	if err == nil && cfg.Server.APIToken != "" {
		var st api.StatsResponse
		if client.call(ctx, http.MethodGet, "/admin/stats", nil, &st) == nil {
			printStatus("Definitions", "%d (%d embedded, %d pending, %d failed)", st.Definitions, st.Embedded, st.Pending, st.Failed)
		}
	}

	printStatus("Chat model", "%s", cfg.Assistant.Model)
	if cfg.Embedding.Disabled {
		printStatus("Embeddings", "disabled")
	} else {
		printStatus("Embeddings", "%s (%s)", cfg.Embedding.Repo, cfg.Embedding.ModelFile)
	}
	if cfg.Cache.RedisURL != "" {
		printStatus("Cache", "redis, ttl %s", cfg.Cache.TTL)
	}
	printStatus("API key", "%s", setLabel(cfg.Assistant.APIKey != ""))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func setLabel(ok bool) string {
	if ok {
		return "set"
	}
	return "not set"
}
