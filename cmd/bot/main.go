package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/luminagen/genbot/internal/config"
	"github.com/luminagen/genbot/internal/database"
	"github.com/luminagen/genbot/internal/repository"
	"github.com/luminagen/genbot/internal/service"
	"github.com/luminagen/genbot/internal/settings"
	"github.com/luminagen/genbot/internal/telegram"
	"github.com/luminagen/genbot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.BotToken == "" {
		log.Fatal("TELEGRAM_BOT_TOKEN is required for the bot process")
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

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	userRepo := repository.NewUserRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	settingsStore := settings.NewStore(settingsRepo, settings.DefaultCacheTTL)
	userService := service.NewUserService(userRepo)
	creditService := service.NewCreditService(logr, userRepo, ledgerRepo, paymentRepo, settingsStore)

	bot := telegram.NewBot(cfg, botAPI, logr, userService, creditService, settingsStore)
	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
