package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pokebattle-server/internal/battlelog"
	"pokebattle-server/internal/config"
	"pokebattle-server/internal/logging"
	"pokebattle-server/internal/pokemon"
	"pokebattle-server/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	catalog := pokemon.Default()
	if cfg.SpeciesFile != "" {
		if catalog, err = pokemon.LoadCatalogFile(cfg.SpeciesFile); err != nil {
			return err
		}
	}
	log.Info("species catalog loaded", zap.Int("species", catalog.Len()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(log), server.WithCatalog(catalog)}

	var writer *battlelog.Writer
	if cfg.DatabaseURL != "" {
		store, err := battlelog.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		writer = battlelog.NewWriter(store, log, battlelog.DefaultQueueSize)
		opts = append(opts, server.WithRecorder(writer), server.WithHealthCheck(store.Ping))
		log.Info("battle log enabled")
	}

	battleServer := server.New(server.ConfigFrom(cfg), opts...)
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      battleServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var tcpListener net.Listener
	if cfg.TCPAddr != "" {
		if tcpListener, err = net.Listen("tcp", cfg.TCPAddr); err != nil {
			return fmt.Errorf("tcp listener: %w", err)
		}
	}

	// The writer outlives the listeners so summaries from the final
	// disconnects still reach the database.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writerDone := make(chan error, 1)
	if writer != nil {
		go func() { writerDone <- writer.Run(writerCtx) }()
	} else {
		close(writerDone)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if tcpListener != nil {
		g.Go(func() error { return battleServer.ServeTCP(gctx, tcpListener) })
	}

	g.Go(func() error { return battleServer.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, press Ctrl+C again to force")
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := battleServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("battle server shutdown", zap.Error(err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()

	stopWriter()
	if werr := <-writerDone; werr != nil {
		log.Warn("battle log writer", zap.Error(werr))
	}
	if writer != nil {
		log.Info("battle log flushed", zap.Int64("written", writer.Written()), zap.Int64("dropped", writer.Dropped()))
	}

	log.Info("graceful shutdown complete")
	return err
}
