package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"outline-vpn-bot/internal/admin"
	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
	"outline-vpn-bot/internal/services"
)

// Bot связывает Telegram-апдейты с сервисами ядра.
type Bot struct {
	api       *tgbotapi.BotAPI
	store     *db.Store
	payments  *services.Payments
	referrals *services.Referrals
	admin     *admin.Handler
	limiter   *RateLimiter
	adminID   int64
}

func New(api *tgbotapi.BotAPI, store *db.Store, payments *services.Payments, referrals *services.Referrals, adminHandler *admin.Handler, adminID int64) *Bot {
	return &Bot{
		api:       api,
		store:     store,
		payments:  payments,
		referrals: referrals,
		admin:     adminHandler,
		limiter:   NewRateLimiter(adminID),
		adminID:   adminID,
	}
}

// StartPolling запускает long polling и обрабатывает апдейты по одному.
func (b *Bot) StartPolling() {
	logger.Info("bot authorized", zap.String("username", b.api.Self.UserName))
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	for update := range updates {
		b.HandleUpdate(update)
	}
}

// HandleUpdate — роутер апдейтов: оплата, колбэки, команды.
func (b *Bot) HandleUpdate(update tgbotapi.Update) {
	defer logger.NotifyOnPanic("HandleUpdate")
	switch {
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(update.Message)
	}
}
