package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jamesprial/pvebatch/internal/auth"
	"github.com/jamesprial/pvebatch/internal/config"
	"github.com/jamesprial/pvebatch/internal/guesttools"
	"github.com/jamesprial/pvebatch/internal/logging"
	"github.com/jamesprial/pvebatch/internal/reconcile"
	"github.com/jamesprial/pvebatch/internal/safety"
	"github.com/jamesprial/pvebatch/internal/tools"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveTransport string
	servePort      int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose guest inspection and batch runs as MCP tools",
	Long: `Run an MCP server with the guest_list, guest_inspect, guest_snapshots,
reconcile_plan and reconcile_apply tools.

The stdio transport talks MCP on stdin/stdout. The http transport serves
streamable HTTP on /mcp and Prometheus metrics on /metrics, both behind bearer
token authentication. Only one batch runs at a time.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "stdio", "transport: stdio or http")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newMCPServer builds the MCP server with every guest tool registered.
func newMCPServer(a *app, batcher guesttools.Batcher) *server.MCPServer {
	version := rootCmd.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer("pvebatch", version, server.WithToolCapabilities(false))

	registrations := guesttools.GuestTools(guesttools.Deps{
		Manager:   a.mgr,
		Inventory: a.inventory(),
		Inspector: reconcile.NewInspector(a.store),
		Batcher:   batcher,
		Confirm:   safety.NewConfirmationTracker(guesttools.DestructiveTools),
		Audit:     a.audit,
	})
	tools.RegisterAll(s, registrations)
	a.logger.Info("mcp tools registered", zap.Strings("tools", tools.Names(registrations)))
	return s
}

func runServe(cmd *cobra.Command, _ []string) error {
	switch serveTransport {
	case "stdio", "http":
	default:
		return fmt.Errorf("unknown transport %q (want stdio or http)", serveTransport)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.connect(); err != nil {
		return err
	}

	hist, err := a.openHistory()
	if err != nil {
		a.logger.Warn("run history disabled", zap.Error(err))
	}
	defer hist.Close()

	batcher := guesttools.NewSerialBatcher(&recorder{
		next:    a.orchestrator(),
		history: hist,
		metrics: a.metrics,
		logger:  a.logger,
	})
	s := newMCPServer(a, batcher)

	if serveTransport == "stdio" {
		a.logger.Info("serving mcp on stdio")
		return server.ServeStdio(s)
	}

	if cmd.Flags().Changed("port") {
		a.cfg.Server.Port = servePort
	}
	return serveHTTP(cmd.Context(), a, s)
}

func newHTTPHandler(a *app, s *server.MCPServer) http.Handler {
	tokenBefore := a.cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(a.cfg)
	if err != nil {
		a.logger.Warn("could not generate auth token, running without authentication", zap.Error(err))
	} else if tokenBefore == "" {
		a.logger.Warn("generated auth token (set PVEBATCH_AUTH_TOKEN to persist)", zap.String("token", token))
	}
	requireToken := auth.NewAuthMiddleware(a.cfg.Server.AuthToken)

	mux := http.NewServeMux()
	mux.Handle("/mcp", requireToken(server.NewStreamableHTTPServer(s)))
	a.metrics.RegisterHandler(mux, requireToken)
	return logging.AccessLog(a.logger.Named("http"), mux)
}

func serveHTTP(ctx context.Context, a *app, s *server.MCPServer) error {
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newHTTPHandler(a, s),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving mcp over http", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}
