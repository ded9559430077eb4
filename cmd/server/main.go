package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/afadil/wealthfolio-sync/internal/api"
	"github.com/afadil/wealthfolio-sync/internal/config"
	"github.com/afadil/wealthfolio-sync/internal/database"
	"github.com/afadil/wealthfolio-sync/internal/repositories"
	"github.com/afadil/wealthfolio-sync/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	accountRepo := repositories.NewPostgresAccountRepository(pool)
	deviceRepo := repositories.NewPostgresDeviceRepository(pool)
	keyRepo := repositories.NewPostgresKeyLedgerRepository(pool)
	pairingRepo := repositories.NewRedisPairingSessionRepository(redisClient)
	sessionRepo := repositories.NewRedisSessionRepository(redisClient)

	authService := services.NewAuthService(accountRepo, deviceRepo, sessionRepo, cfg.JWTSecret, cfg.JWTExpiry)
	deviceService := services.NewDeviceService(deviceRepo, sessionRepo)
	keyService := services.NewKeyLedgerService(keyRepo, deviceRepo)
	pairingService := services.NewPairingService(pairingRepo, deviceRepo, cfg.PairingTTL)

	handler := api.NewHandler(authService, deviceService, keyService, pairingService)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("sync server listening on :%s", cfg.ServerPort)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Println("server stopped")
}
