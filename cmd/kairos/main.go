package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kairos-proxy/kairos/internal/admin"
	"github.com/kairos-proxy/kairos/internal/config"
	"github.com/kairos-proxy/kairos/internal/gateway"
	"github.com/kairos-proxy/kairos/internal/logging"
	"github.com/kairos-proxy/kairos/internal/metrics"
)

// version is stamped by the build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	flag.Parse()

	logger, err := logging.New(logging.Options{
		Level: os.Getenv("LOG_LEVEL"),
		File:  os.Getenv("LOG_FILE"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	store, err := config.Open(*configPath)
	if err != nil {
		logging.Error("invalid configuration", zap.String("path", *configPath), zap.Error(err))
		return 1
	}

	collector := metrics.NewCollector()

	gw, err := gateway.New(store, collector)
	if err != nil {
		logging.Error("failed to build gateway", zap.Error(err))
		return 1
	}

	api := admin.New(store, gw.Breakers(), collector, version)

	watcher, err := config.NewWatcher(store)
	if err != nil {
		logging.Error("failed to create config watcher", zap.Error(err))
		return 1
	}
	if err := watcher.Start(); err != nil {
		logging.Error("failed to start config watcher", zap.Error(err))
		return 1
	}
	defer watcher.Stop()

	host := os.Getenv("HOST")
	if host == "" {
		host = "0.0.0.0"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "5900"
	}
	addr := net.JoinHostPort(host, port)

	pipeline := gw.Handler()
	server := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if api.Handles(r.URL.Path) {
				api.ServeHTTP(w, r)
				return
			}
			pipeline.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logging.Error("failed to bind listener", zap.String("addr", addr), zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("kairos gateway listening",
			zap.String("addr", addr),
			zap.String("config", *configPath),
			zap.String("version", version),
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error("server terminated", zap.Error(err))
		return 1
	}

	logging.Info("shutdown complete")
	return 0
}
