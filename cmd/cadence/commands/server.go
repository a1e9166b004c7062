package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/engine"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/server"
)

// ServerCmd runs the engine loops and the HTTP API in one process
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Run the scheduler engine and HTTP API",
	Long: `Run the scheduler engine and HTTP API.

On startup interrupted tasks are recovered and every job is reconciled
against the queue. The config file is watched; handler settings and
allowed origins are applied without a restart.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
	serverNoAPI  bool
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "HTTP port (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().BoolVar(&serverNoAPI, "no-api", false, "Run the engine without the HTTP API")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	port := cfg.Server.Port
	if serverPort != 0 {
		port = serverPort
	}
	dbPath := cfg.Database.Path
	if serverDBPath != "" {
		dbPath = serverDBPath
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Logger
	e, err := engine.New(ctx, database, cfg, log)
	if err != nil {
		return errors.Wrap(err, "failed to create engine")
	}

	var srv *server.Server
	if !serverNoAPI {
		srv = server.New(e, cfg, log)
	}

	watcher := watchConfig(e, srv)
	if watcher != nil {
		defer watcher.Stop()
	}

	printStartupBanner(dbPath, port, cfg, srv != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(gctx)
	})
	if srv != nil {
		g.Go(func() error {
			return srv.ListenAndServe(gctx, port)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	pterm.Success.Println("cadence stopped cleanly")
	return nil
}

// watchConfig hot-reloads the active config file into the engine and server.
// Without a config file there is nothing to watch.
func watchConfig(e *engine.Engine, srv *server.Server) *am.ConfigWatcher {
	path := am.ActiveConfigFile()
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path, logger.Logger.Named("config"))
	if err != nil {
		logger.Warnw("Config hot reload disabled", "path", path, "error", err)
		return nil
	}
	watcher.OnReload(e.Reconfigure)
	if srv != nil {
		watcher.OnReload(srv.Reconfigure)
	}
	watcher.Start()
	return watcher
}
