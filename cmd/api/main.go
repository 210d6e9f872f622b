package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"studio/internal/http/handlers"
	httpapi "studio/internal/http/httpapi"
	"studio/internal/infra"
	"studio/internal/middleware"
	"studio/internal/platform"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := platform.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build pipeline")
	}
	defer stack.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := stack.RunRelay(ctx); err != nil {
			logger.Error().Err(err).Msg("api: event relay stopped")
		}
	}()
	if cfg.RunWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stack.RunWorker(ctx); err != nil {
				logger.Error().Err(err).Msg("api: embedded worker stopped")
			}
		}()
	}

	origins := middleware.NewOrigins(cfg.CORSOrigins)
	app := handlers.NewApp(stack.Service, stack.Resolver, origins, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Origins:         origins,
		StoragePath:     stack.Files.BasePath(),
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("store", cfg.StoreDriver).Bool("worker", cfg.RunWorker).Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	wg.Wait()
	logger.Info().Msg("server stopped")
}
