package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
	"outline-vpn-bot/internal/plans"
	"outline-vpn-bot/internal/services"
)

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	user, err := b.store.GetOrCreateUser(msg.From.ID, msg.From.UserName, msg.From.FirstName, msg.From.LastName)
	if err != nil {
		logger.Error("get or create user failed", zap.Int64("telegram_id", msg.From.ID), zap.Error(err))
		return
	}
	if !msg.IsCommand() {
		return
	}
	cmd := "/" + msg.Command()
	if b.limiter.IsLimited(msg.From.ID, cmd) {
		return
	}
	switch msg.Command() {
	case "start":
		b.handleStart(msg, user)
	case "plans":
		b.sendPlansKeyboard(msg.Chat.ID)
	case "mykeys":
		b.handleMyKeys(msg.Chat.ID, user)
	case "referral":
		b.handleReferral(msg.Chat.ID, user)
	default:
		if strings.HasPrefix(msg.Command(), "admin_") {
			b.admin.HandleCommand(b.api, msg)
		}
	}
}

// handleStart регистрирует пользователя и закрепляет реферера из
// deep-link параметра /start <referrer telegram id>.
func (b *Bot) handleStart(msg *tgbotapi.Message, user *db.User) {
	if arg := strings.TrimSpace(msg.CommandArguments()); arg != "" {
		if refTgID, err := strconv.ParseInt(arg, 10, 64); err == nil {
			if referrer, err := b.store.GetUserByTelegramID(refTgID); err == nil {
				if err := b.referrals.RecordReferral(referrer.ID, user.ID); err != nil {
					logger.Error("record referral failed", zap.Error(err))
				}
			}
		}
	}
	text := "Привет! Это бот продажи VPN-ключей Outline.\n" +
		"/plans — купить ключ\n" +
		"/mykeys — мои ключи\n" +
		"/referral — реферальная программа"
	b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, text))
}

func (b *Bot) handleMyKeys(chatID int64, user *db.User) {
	keys, err := b.store.ListKeysByUser(user.ID)
	if err != nil {
		logger.Error("list keys failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		b.api.Send(tgbotapi.NewMessage(chatID, "У вас пока нет ключей. Купить: /plans"))
		return
	}
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(formatKey(&k))
		sb.WriteString("\n")
	}
	msg := tgbotapi.NewMessage(chatID, sb.String())
	msg.ReplyMarkup = extendKeyboard(keys)
	b.api.Send(msg)
}

func (b *Bot) handleReferral(chatID int64, user *db.User) {
	available, err := b.referrals.AvailableForWithdrawal(user.ID)
	if err != nil {
		logger.Error("referral stats failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return
	}
	lifetime, err := b.referrals.LifetimeEarned(user.ID)
	if err != nil {
		logger.Error("referral stats failed", zap.Uint("user_id", user.ID), zap.Error(err))
		return
	}
	text := fmt.Sprintf(
		"Ваша реферальная ссылка:\nhttps://t.me/%s?start=%d\n\nНачислено всего: %d ⭐\nДоступно к выводу: %d ⭐",
		b.api.Self.UserName, user.TelegramID, lifetime, available)
	b.api.Send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	switch {
	case strings.HasPrefix(data, "buy_"):
		if b.limiter.IsLimited(cb.From.ID, "buy") {
			b.api.Request(tgbotapi.NewCallback(cb.ID, "Не так быстро"))
			return
		}
		b.handleBuy(cb, strings.TrimPrefix(data, "buy_"))
	case strings.HasPrefix(data, "extend_"):
		if b.limiter.IsLimited(cb.From.ID, "extend") {
			b.api.Request(tgbotapi.NewCallback(cb.ID, "Не так быстро"))
			return
		}
		b.handleExtend(cb, strings.TrimPrefix(data, "extend_"))
	default:
		b.api.Request(tgbotapi.NewCallback(cb.ID, ""))
	}
}

// handleBuy создаёт платёж и выставляет Stars-инвойс.
// Для Stars валюта XTR и пустой provider token.
func (b *Bot) handleBuy(cb *tgbotapi.CallbackQuery, planID string) {
	plan, err := plans.Resolve(planID)
	if err != nil {
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Тариф не найден"))
		return
	}
	user, err := b.store.GetUserByTelegramID(cb.From.ID)
	if err != nil {
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Сначала отправьте /start"))
		return
	}
	pay, inv, err := b.payments.CreateInvoice(user.ID, plan)
	if err != nil {
		logger.Error("create invoice failed", zap.Error(err))
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Ошибка, попробуйте позже"))
		return
	}
	invoice := tgbotapi.NewInvoice(cb.Message.Chat.ID, inv.Title, inv.Description, inv.Payload,
		"", // provider token пустой для Telegram Stars
		"", inv.Currency, []tgbotapi.LabeledPrice{{Label: plan.Name, Amount: inv.Amount}})
	invoice.SuggestedTipAmounts = []int{}
	sent, err := b.api.Send(invoice)
	if err != nil {
		logger.Error("send invoice failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Не удалось выставить счёт"))
		return
	}
	if err := b.store.SetInvoiceMessageID(pay.ID, sent.MessageID); err != nil {
		logger.Error("save invoice message id failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
	}
	b.api.Request(tgbotapi.NewCallback(cb.ID, "Счёт выставлен"))
}

// handleExtend выставляет счёт на продление существующего ключа тем же
// тарифом. Продление проводится после оплаты тем же платёжным конвейером.
func (b *Bot) handleExtend(cb *tgbotapi.CallbackQuery, keyIDstr string) {
	keyID, err := strconv.ParseUint(keyIDstr, 10, 32)
	if err != nil {
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Некорректный ключ"))
		return
	}
	key, err := b.store.GetKey(uint(keyID))
	if err != nil {
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Ключ не найден"))
		return
	}
	user, err := b.store.GetUserByTelegramID(cb.From.ID)
	if err != nil || key.UserID != user.ID {
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Это не ваш ключ"))
		return
	}
	plan, err := plans.Resolve(key.PlanID)
	if err != nil {
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Тариф ключа больше не продаётся"))
		return
	}
	pay, inv, err := b.payments.CreateExtensionInvoice(user.ID, key.ID, plan)
	if err != nil {
		logger.Error("create extension invoice failed", zap.Uint("key_id", key.ID), zap.Error(err))
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Ошибка, попробуйте позже"))
		return
	}
	invoice := tgbotapi.NewInvoice(cb.Message.Chat.ID, inv.Title, inv.Description, inv.Payload,
		"", "", inv.Currency, []tgbotapi.LabeledPrice{{Label: plan.Name, Amount: inv.Amount}})
	invoice.SuggestedTipAmounts = []int{}
	sent, err := b.api.Send(invoice)
	if err != nil {
		logger.Error("send extension invoice failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
		b.api.Request(tgbotapi.NewCallback(cb.ID, "Не удалось выставить счёт"))
		return
	}
	if err := b.store.SetInvoiceMessageID(pay.ID, sent.MessageID); err != nil {
		logger.Error("save invoice message id failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
	}
	b.api.Request(tgbotapi.NewCallback(cb.ID, "Счёт на продление выставлен"))
}

func (b *Bot) handlePreCheckout(q *tgbotapi.PreCheckoutQuery) {
	ok, reason := b.payments.OnPreCheckout(q.InvoicePayload)
	answer := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: q.ID,
		OK:                 ok,
		ErrorMessage:       reason,
	}
	if _, err := b.api.Request(answer); err != nil {
		logger.Error("pre-checkout answer failed", zap.Error(err))
	}
}

func (b *Bot) handleSuccessfulPayment(msg *tgbotapi.Message) {
	sp := msg.SuccessfulPayment
	externalID, ok := services.ExtractPaymentID(sp.InvoicePayload)
	if !ok {
		logger.Error("successful payment with foreign payload", zap.String("payload", sp.InvoicePayload))
		return
	}
	accessURL, err := b.payments.OnPaymentConfirmed(externalID, sp.TelegramPaymentChargeID, sp.ProviderPaymentChargeID, msg.Chat.ID)
	if err != nil {
		logger.Error("payment confirmation processing failed", zap.String("external_id", externalID), zap.Error(err))
		b.api.Send(tgbotapi.NewMessage(msg.Chat.ID,
			"Оплата получена, но выпуск ключа задерживается. Мы выдадим ключ автоматически, как только сервер станет доступен."))
		return
	}
	if accessURL == "" {
		return
	}
	b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, "✅ Ваш VPN-ключ готов:\n"+accessURL))
}
