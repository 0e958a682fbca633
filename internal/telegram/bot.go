package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/luminagen/genbot/internal/config"
	"github.com/luminagen/genbot/internal/service"
	"github.com/luminagen/genbot/internal/settings"
)

// Bot is the payment and balance front-end. Generation itself goes through
// the HTTP API; the bot only needs to move money: Stars invoices in,
// confirmed payments into the credit ledger.
type Bot struct {
	cfg      config.Config
	api      *tgbotapi.BotAPI
	log      *slog.Logger
	users    *service.UserService
	credits  *service.CreditService
	settings *settings.Store
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *service.UserService, credits *service.CreditService, st *settings.Store) *Bot {
	return &Bot{
		cfg:      cfg,
		api:      api,
		log:      log,
		users:    users,
		credits:  credits,
		settings: st,
	}
}

func (b *Bot) Run(ctx context.Context) error {
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := b.api.GetUpdatesChan(updateCfg)

	b.log.Info("bot started", "username", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, update.Message)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	from := msg.From
	if from == nil {
		return
	}

	switch msg.Command() {
	case "start":
		b.handleStart(ctx, msg)
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		b.handleBuy(ctx, msg)
	default:
		b.reply(msg.Chat.ID, "Commands: /balance, /buy, /start <referral code>")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	from := msg.From
	user, created, err := b.users.Ensure(ctx, from.ID, from.UserName, from.FirstName, from.LastName)
	if err != nil {
		b.log.Error("ensure user", "telegram_id", from.ID, "err", err)
		return
	}

	// Deep-link payload carries the referrer's code: t.me/<bot>?start=<code>.
	if code := strings.TrimSpace(msg.CommandArguments()); code != "" {
		linked, err := b.users.ApplyReferralCode(ctx, user.ID, code)
		if err != nil {
			b.log.Error("apply referral code", "telegram_id", from.ID, "err", err)
		} else if linked {
			b.reply(msg.Chat.ID, "Referral applied. Your referrer earns a bonus on your top-ups.")
		}
	}

	if created {
		b.reply(msg.Chat.ID, fmt.Sprintf("Welcome! Your referral code: %s\nUse /buy to top up and /balance to check credits.", user.ReferralCode))
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Your referral code: %s", user.ReferralCode))
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	balance, err := b.credits.Balance(ctx, msg.From.ID)
	if err != nil {
		b.log.Error("get balance", "telegram_id", msg.From.ID, "err", err)
		b.reply(msg.Chat.ID, "Could not fetch your balance, try again later.")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Balance: %d credits", balance))
}

// Star packages offered by /buy.
var starPackages = []int{50, 250, 500}

func (b *Bot) handleBuy(ctx context.Context, msg *tgbotapi.Message) {
	if _, _, err := b.users.Ensure(ctx, msg.From.ID, msg.From.UserName, msg.From.FirstName, msg.From.LastName); err != nil {
		b.log.Error("ensure user", "telegram_id", msg.From.ID, "err", err)
		return
	}

	creditsPerStar := b.settings.CreditsPerStar(ctx)
	for _, stars := range starPackages {
		credits := stars * creditsPerStar
		// Telegram Stars invoices use currency XTR and no provider token.
		invoice := tgbotapi.NewInvoice(msg.Chat.ID,
			fmt.Sprintf("%d credits", credits),
			fmt.Sprintf("Top up %d credits for %d Stars", credits, stars),
			fmt.Sprintf("topup:%d", stars),
			"",
			"topup",
			"XTR",
			[]tgbotapi.LabeledPrice{{Label: fmt.Sprintf("%d credits", credits), Amount: stars}},
		)
		if _, err := b.api.Send(invoice); err != nil {
			b.log.Error("send invoice", "telegram_id", msg.From.ID, "err", err)
			return
		}
	}
}

func (b *Bot) handlePreCheckout(query *tgbotapi.PreCheckoutQuery) {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if _, err := b.api.Request(response); err != nil {
		b.log.Error("answer pre-checkout", "err", err)
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	payment := msg.SuccessfulPayment
	result, err := b.credits.ConfirmPayment(ctx, msg.From.ID, payment.TelegramPaymentChargeID, payment.TotalAmount, payment.Currency)
	if err != nil {
		b.log.Error("confirm payment", "telegram_id", msg.From.ID, "charge_id", payment.TelegramPaymentChargeID, "err", err)
		b.reply(msg.Chat.ID, "Payment received but crediting failed, support has been notified.")
		return
	}
	if result.Duplicate {
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Added %d credits. Balance: %d", result.CreditsAdded, result.Balance))
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn("send message", "chat_id", chatID, "err", err)
	}
}
