package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joseph-ayodele/ddt-extractor/internal/app"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $DDT_CONFIG or ./config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ddt-extractor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := app.NewLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	addr := cfg.Server.GRPCAddr
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := server.NewGRPCServer(a.Control, cfg.Server.Reflection, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	if wc, ok := a.WatchConfig(); ok {
		go func() {
			if err := a.Ingest.WatchInbox(ctx, wc, cfg.Ingest.AutoProcess); err != nil {
				logger.Error("ingest.watch.stopped", "error", err)
			}
		}()
	}
	if a.Scheduler != nil {
		a.Scheduler.Start()
	}

	logger.Info("ddt-extractor.ready",
		"addr", addr,
		"structurer", cfg.Structurer.Provider,
		"db", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"max_parallel", cfg.Pipeline.MaxParallel,
	)

	select {
	case <-ctx.Done():
		err = nil
	case err = <-serveErr:
	}

	logger.Info("ddt-extractor.stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Stop(shutdownCtx)
	a.Close(shutdownCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
