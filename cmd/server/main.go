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

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kannanvijayan/ProceduralEden/internal/api"
	"github.com/kannanvijayan/ProceduralEden/internal/config"
	"github.com/kannanvijayan/ProceduralEden/internal/logging"
)

func main() {
	os.Exit(serve(os.Args[1:]))
}

// serve returns the process exit code: 2 for usage or config errors, 1 when
// the server stops with an error. Deferred cleanup runs before it returns.
func serve(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "path to werld.yaml (optional)")
		addr       = fs.String("addr", "", "http listen address (overrides config)")
		dataDir    = fs.String("data", "", "runtime data directory (overrides config)")
		disableDB  = fs.Bool("disable_db", false, "disable the sqlite simulation index")
		disableJnl = fs.Bool("disable_journal", false, "disable the mutation journal")
		restore    = fs.Bool("restore", false, "rebuild simulations from the journal at startup")
		snapOnExit = fs.Bool("snapshot_on_shutdown", false, "write every live simulation's buffers on exit")
		logLevel   = fs.String("log_level", "", "log level (overrides config)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[server] load config: %v\n", err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "data":
			cfg.DataDir = *dataDir
		case "disable_db":
			cfg.DisableDB = *disableDB
		case "disable_journal":
			cfg.DisableJournal = *disableJnl
		case "restore":
			cfg.Restore = *restore
		case "snapshot_on_shutdown":
			cfg.SnapshotOnShutdown = *snapOnExit
		case "log_level":
			cfg.LogLevel = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "[server] %v\n", err)
		return 2
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("server stopped")
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) error {
	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           rt.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer scancel()

		logger.Info("shutting down")
		if err := rt.ws.Shutdown(sctx, api.ServerShutdownEvent, api.ServerShutdown{Reason: "server shutting down"}); err != nil {
			logger.WithError(err).Warn("websocket shutdown")
		}
		if err := srv.Shutdown(sctx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
		if cfg.SnapshotOnShutdown {
			rt.snapshotAll()
		}
		return nil
	})
	return g.Wait()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
