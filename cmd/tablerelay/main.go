// Command tablerelay runs one replica of the relay: a gin HTTP server
// exposing the REST Adapter and the /relay WebSocket join endpoint, backed
// by the Client Registry, Correlator, Router, and (optionally) a shared
// Redis Directory.
//
// Grounded on the teacher's cmd/main.go wiring order and graceful-shutdown
// handling.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tablerelay/internal/authhook"
	"tablerelay/internal/authstore"
	"tablerelay/internal/config"
	"tablerelay/internal/correlator"
	"tablerelay/internal/directory"
	"tablerelay/internal/logger"
	"tablerelay/internal/registry"
	"tablerelay/internal/restapi"
	"tablerelay/internal/router"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)

	dir, err := buildDirectory(cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to initialize directory")
	}

	corr := correlator.New()

	reg := registry.New(registry.Config{
		ReplicaID:             cfg.ReplicaID,
		PingInterval:          cfg.PingInterval,
		CleanupInterval:       cfg.CleanupInterval,
		OutboundQueueCapacity: cfg.OutboundQueueCapacity,
	}, dir, func(clientID string, _ registry.CloseReason) { corr.ClientGone(clientID) })
	reg.SetReplyHandler(corr.Complete)

	rt := router.New(cfg, router.RegistryLookup{
		Registry:  reg,
		Directory: dir,
		ReplicaID: cfg.ReplicaID,
	})

	auth, err := buildAuthHook(cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("failed to initialize auth/quota hook")
	}

	adapter := &restapi.Adapter{
		Cfg:    cfg,
		Dir:    dir,
		Reg:    reg,
		Corr:   corr,
		Router: rt,
		Auth:   auth,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	adapter.Mount(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.WatchPreemptions(ctx)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Log.Info().Int("port", cfg.Port).Str("replica_id", cfg.ReplicaID).Str("directory_mode", string(cfg.DirectoryMode)).Msg("tablerelay listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn().Err(err).Msg("graceful server shutdown failed")
	}

	reg.Stop()
	if closer, ok := auth.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := dir.Close(); err != nil {
		logger.Log.Warn().Err(err).Msg("directory close failed")
	}
}

func buildDirectory(cfg config.Config) (directory.Directory, error) {
	if cfg.DirectoryMode == config.DirectoryShared {
		return directory.NewRedis(directory.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return directory.NewLocal(), nil
}

func buildAuthHook(cfg config.Config) (authhook.Hook, error) {
	if cfg.AuthStoreDSN == "" {
		logger.Log.Warn().Msg("AUTH_STORE_DSN unset, running with the permissive dev-mode auth hook")
		return authhook.PermissiveHook{}, nil
	}
	store, err := authstore.New(cfg.AuthStoreDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}
