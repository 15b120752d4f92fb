package bot

import (
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/plans"
	"outline-vpn-bot/internal/services"
)

func (b *Bot) sendPlansKeyboard(chatID int64) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range plans.List(false) {
		label := fmt.Sprintf("%s — %d ⭐", p.Name, p.PriceStars)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "buy_"+p.ID),
		))
	}
	msg := tgbotapi.NewMessage(chatID, "Выберите тариф:")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.api.Send(msg)
}

func extendKeyboard(keys []db.Key) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, k := range keys {
		if k.Status == db.KeyStatusExpired {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Продлить ключ #%d", k.ID), fmt.Sprintf("extend_%d", k.ID)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

var statusLabels = map[db.KeyStatus]string{
	db.KeyStatusPending:   "⏳ ожидает активации",
	db.KeyStatusActive:    "✅ активен",
	db.KeyStatusSuspended: "⛔ приостановлен",
	db.KeyStatusExpired:   "❌ завершён",
}

func formatKey(k *db.Key) string {
	usedGB := float64(k.DataUsedBytes) / float64(plans.GB)
	limitGB := float64(k.DataLimitBytes) / float64(plans.GB)
	line := fmt.Sprintf("Ключ #%d: %s\nТрафик: %.2f / %.2f ГБ, осталось дней: %d",
		k.ID, statusLabels[k.Status], usedGB, limitGB, services.DaysRemaining(k.ExpiresAt, time.Now()))
	if k.Status == db.KeyStatusActive && k.AccessURL != nil {
		line += "\n" + *k.AccessURL
	}
	return line
}
