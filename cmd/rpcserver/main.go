// Command rpcserver wires config loading, route registration, the session store,
// middleware, and signal handling into one runnable process.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"corerpc/codec"
	"corerpc/config"
	"corerpc/middleware"
	"corerpc/router"
	"corerpc/rpcserver"
	"corerpc/session"
)

func main() {
	configPath := flag.String("config", "", "path to a server config JSON file (defaults applied for anything omitted)")
	propsPath := flag.String("properties", "", "path to a flat key=value properties file (LOGGER selects log sinks)")
	flag.Parse()

	cfg := config.DefaultServerConfig()
	var err error
	if *configPath != "" {
		cfg, err = config.LoadServerConfig(*configPath)
		if err != nil {
			panic(err)
		}
	}

	var props config.Properties
	if *propsPath != "" {
		props, err = config.LoadProperties(*propsPath)
		if err != nil {
			panic(err)
		}
	}

	var logger *zap.Logger
	if cfg.Logging {
		logger, err = config.BuildLogger(props)
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.BasePackage != "" {
		logger.Info("basePackage is informational only; controllers are registered explicitly in this process", zap.String("basePackage", cfg.BasePackage))
	}

	reg := &router.Registry{
		WarnLogger: func(path string) {
			logger.Warn("duplicate route registration, last write wins", zap.String("path", path))
		},
	}
	if err := reg.Register(ArithController{}); err != nil {
		logger.Fatal("failed to register controller", zap.Error(err))
	}

	var store session.Store
	if len(cfg.EtcdEndpoints) > 0 {
		store, err = session.NewEtcdSessionStore(cfg.EtcdEndpoints)
		if err != nil {
			logger.Fatal("failed to connect session store", zap.Error(err))
		}
	} else {
		store = session.NewMemoryStore()
	}
	defer store.Close()
	if err := reg.Register(&SessionController{store: store}); err != nil {
		logger.Fatal("failed to register controller", zap.Error(err))
	}

	srv := rpcserver.New(cfg, reg, logger, codec.CodecTypeTagged)
	srv.Use(middleware.LoggingMiddleware(logger))
	srv.Use(middleware.RateLimitMiddleware(500, 1000))
	srv.Use(middleware.TimeoutMiddleware(5 * time.Second))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited with error", zap.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
			logger.Error("graceful shutdown reported errors", zap.Error(err))
		}
	}
}
