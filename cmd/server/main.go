package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/luminagen/genbot/internal/api"
	"github.com/luminagen/genbot/internal/config"
	"github.com/luminagen/genbot/internal/database"
	"github.com/luminagen/genbot/internal/lock"
	"github.com/luminagen/genbot/internal/provider"
	"github.com/luminagen/genbot/internal/repository"
	"github.com/luminagen/genbot/internal/service"
	"github.com/luminagen/genbot/internal/settings"
	"github.com/luminagen/genbot/internal/storage"
	"github.com/luminagen/genbot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connect: %v", err)
	}
	defer redisClient.Close()

	userRepo := repository.NewUserRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	settingsStore := settings.NewStore(settingsRepo, settings.DefaultCacheTTL)
	providerClient := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.RequestTimeout, logr)
	submitLocker := lock.NewSubmitLocker(redisClient, cfg.RequestTimeout)

	userService := service.NewUserService(userRepo)
	creditService := service.NewCreditService(logr, userRepo, ledgerRepo, paymentRepo, settingsStore)
	catalogService := service.NewCatalogService(catalogRepo)
	generationService := service.NewGenerationService(logr, userRepo, catalogRepo, generationRepo, providerClient, submitLocker, settingsStore)

	if err := catalogService.EnsureDefaults(ctx); err != nil {
		log.Fatalf("seed catalog: %v", err)
	}

	var uploader *storage.Uploader
	if cfg.ReferencesEnable {
		uploader, err = storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
	}

	var botAPI *tgbotapi.BotAPI
	if cfg.BotToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			logr.Warn("telegram bot unavailable, broadcast disabled", "err", err)
		}
	}

	go generationService.RunPoller(ctx)

	server := api.NewServer(cfg.APIListenAddr, cfg.AdminUsername, cfg.AdminPassword, logr,
		userService, creditService, generationService, catalogService, settingsStore, uploader, botAPI)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api server stopped", "err", err)
	}
}
