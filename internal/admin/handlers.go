// Package admin — команды и сводки для администратора бота.
// Только чтение статистики и ручной запуск фоновых проходов.
package admin

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
	"outline-vpn-bot/internal/services"
)

type Handler struct {
	store     *db.Store
	lifecycle *services.Lifecycle
	payments  *services.Payments
	adminID   int64
}

func NewHandler(store *db.Store, lifecycle *services.Lifecycle, payments *services.Payments, adminID int64) *Handler {
	return &Handler{store: store, lifecycle: lifecycle, payments: payments, adminID: adminID}
}

func (h *Handler) IsAdmin(userID int64) bool {
	return userID == h.adminID
}

// HandleCommand обрабатывает admin_* команды. Не-админам молча отказывает.
func (h *Handler) HandleCommand(api *tgbotapi.BotAPI, msg *tgbotapi.Message) {
	if msg.From == nil || !h.IsAdmin(msg.From.ID) {
		return
	}
	switch msg.Command() {
	case "admin_stats":
		api.Send(tgbotapi.NewMessage(msg.Chat.ID, h.StatsText("daily")))
	case "admin_sweep":
		res, err := h.lifecycle.SweepAllActiveKeys()
		if err != nil {
			api.Send(tgbotapi.NewMessage(msg.Chat.ID, "Ошибка обхода: "+err.Error()))
			return
		}
		api.Send(tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf(
			"Обход завершён: проверено %d, приостановлено %d, уведомлений %d, ошибок %d",
			res.KeysChecked, res.KeysSuspended, res.NotificationsSent, res.Errors)))
	case "admin_recover":
		n, err := h.payments.RecoverPendingActivations()
		if err != nil {
			api.Send(tgbotapi.NewMessage(msg.Chat.ID, "Ошибка восстановления: "+err.Error()))
			return
		}
		api.Send(tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("Восстановлено платежей: %d", n)))
	}
	logger.LogAdminAction(h.adminID, msg.Command(), msg.Text)
}

// StatsText собирает текст сводки; period: "daily" | "weekly".
func (h *Handler) StatsText(period string) string {
	days := 1
	title := "Сводка за сутки"
	if period == "weekly" {
		days = 7
		title = "Сводка за неделю"
	}
	now := time.Now()
	from := now.AddDate(0, 0, -days)

	users, err := h.store.CountUsers()
	if err != nil {
		logger.Error("digest: count users failed", zap.Error(err))
	}
	active, err := h.store.CountActiveKeys()
	if err != nil {
		logger.Error("digest: count active keys failed", zap.Error(err))
	}
	revenue, err := h.store.SumPayments(from, now)
	if err != nil {
		logger.Error("digest: sum payments failed", zap.Error(err))
	}
	parked, err := h.store.ListPaymentsByStatus(db.PaymentStatusPendingActivation)
	if err != nil {
		logger.Error("digest: list parked payments failed", zap.Error(err))
	}
	return fmt.Sprintf("%s\nПользователей: %d\nАктивных ключей: %d\nВыручка: %d ⭐\nЖдут активации: %d",
		title, users, active, revenue, len(parked))
}

// SendDigest отправляет сводку админу; вызывается планировщиком.
func (h *Handler) SendDigest(api *tgbotapi.BotAPI, period string) {
	msg := tgbotapi.NewMessage(h.adminID, h.StatsText(period))
	if _, err := api.Send(msg); err != nil {
		logger.Error("digest delivery failed", zap.Error(err))
	}
}
