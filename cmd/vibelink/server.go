package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/vibelink/internal/api"
	"github.com/kalambet/vibelink/internal/compat"
	"github.com/kalambet/vibelink/internal/config"
	"github.com/kalambet/vibelink/internal/orchestrator"
	"github.com/kalambet/vibelink/internal/reconcile"
	"github.com/kalambet/vibelink/internal/storage"
	"github.com/kalambet/vibelink/internal/transport"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node: peer listener, sessions, node API and sync worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "vibelink version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if err := n.requireProfile(ctx); err != nil {
		return err
	}

	orch, err := n.orchestrator()
	if err != nil {
		return err
	}

	apiToken, err := config.APIToken()
	if err != nil {
		return err
	}

	listener := transport.NewListener(n.signature, cfg.Peer.MaxInbound)
	nodeSrv := &http.Server{
		Addr: fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: api.NewNodeHandler(api.NodeDeps{
			OwnerID:  cfg.Identity.OwnerID,
			Profiles: n.profiles,
			Queue:    n.queue,
			Sessions: orch,
			Token:    apiToken,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(gctx, nodeSrv)
	})
	g.Go(func() error {
		return listener.ListenAndServe(gctx, cfg.Peer.ListenAddr)
	})
	g.Go(func() error {
		return orch.Run(gctx, listener)
	})
	if backend := n.syncBackend(); backend != nil {
		worker := reconcile.NewWorker(n.queue, backend, cfg.Sync.Interval)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	} else {
		slog.Warn("sync.url not set; connection records stay in the local outbox")
	}

	slog.Info("node started",
		"signature", n.signature,
		"api", nodeSrv.Addr,
		"peer_addr", cfg.Peer.ListenAddr,
		"ceiling", cfg.Peer.ConcurrencyCeiling,
	)

	err = g.Wait()
	fmt.Fprintln(os.Stderr, "shutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// --- sink ---

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run a reference sync sink that stores uploaded connection records",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setupLogging(cfg.Log.Level)
		if cfg.Sync.Token == "" {
			return fmt.Errorf("sink requires a token; set VIBELINK_SYNC_TOKEN or run `vibelink config set-token`")
		}
		if dataDir == "" {
			dataDir = cfg.Storage.DataDir + "-sink"
		}

		store, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		ctx, stop := signalContext()
		defer stop()

		srv := &http.Server{
			Addr:              addr,
			Handler:           api.NewSinkHandler(store, cfg.Sync.Token),
			ReadHeaderTimeout: 5 * time.Second,
		}
		slog.Info("sync sink listening", "addr", addr, "data_dir", dataDir)
		return serveHTTP(ctx, srv)
	},
}

func init() {
	sinkCmd.Flags().String("addr", ":4200", "listen address")
	sinkCmd.Flags().String("data-dir", "", "sink database directory (default: <storage.data_dir>-sink)")
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve vibelink tools over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		n, err := openNode(cfg)
		if err != nil {
			return err
		}
		defer n.Close()

		th, err := cfg.Thresholds()
		if err != nil {
			return err
		}
		w, err := cfg.Weights()
		if err != nil {
			return err
		}
		scorer, err := compat.NewScorer(th, w)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			OwnerID:  cfg.Identity.OwnerID,
			Profiles: n.profiles,
			Scorer:   scorer,
			Queue:    n.queue,
		})
		slog.Info("MCP server started (stdio transport)")
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		printWarning("%v", err)
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var health map[string]string
	if err := client.getJSON(ctx, "/health", &health); err != nil {
		printStatus("Node", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	printStatus("Node", "running, API on port %d", cfg.Server.Port)
	printStatus("Peer listener", "%s", cfg.Peer.ListenAddr)

	var own struct {
		Signature string `json:"signature"`
		Version   int64  `json:"version"`
	}
	if err := client.getJSON(ctx, "/profile", &own); err == nil {
		printStatus("Signature", "%s", own.Signature)
		printStatus("Profile version", "%d", own.Version)
	}

	var sessions struct {
		Active  []orchestrator.Status `json:"active"`
		Pending int                   `json:"pending"`
	}
	if err := client.getJSON(ctx, "/sessions", &sessions); err == nil {
		printStatus("Sessions", "%d running / %d ceiling, %d pending", len(sessions.Active), cfg.Peer.ConcurrencyCeiling, sessions.Pending)
	}

	var q reconcile.Stats
	if err := client.getJSON(ctx, "/queue", &q); err == nil {
		printStatus("Outbox", "%s", queueLabel(q))
	}

	if cfg.Sync.URL == "" {
		printStatus("Sync", "disabled")
	} else {
		printStatus("Sync", "%s every %s", cfg.Sync.URL, cfg.Sync.Interval)
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func queueLabel(s reconcile.Stats) string {
	label := fmt.Sprintf("%d pending", s.Pending)
	if s.Spilled > 0 {
		label += fmt.Sprintf(", %d in memory", s.Spilled)
	}
	if !s.Oldest.IsZero() {
		label += fmt.Sprintf(", oldest %s ago", time.Since(s.Oldest).Round(time.Second))
	}
	if !s.RetryAt.IsZero() {
		label += fmt.Sprintf(", retrying in %s", time.Until(s.RetryAt).Round(time.Second))
	}
	return label
}
