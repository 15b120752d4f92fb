package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
	"outline-vpn-bot/internal/metrics"
	"outline-vpn-bot/internal/plans"
)

// payloadPrefix помечает payload инвойса, сгенерированный этим ботом.
const payloadPrefix = "vpn:"

// Invoice — провайдер-независимое описание счёта. Слой Telegram
// превращает его в конкретный инвойс Stars.
type Invoice struct {
	Title       string
	Description string
	Payload     string
	Currency    string
	Amount      int
}

// Payments превращает колбэки оплаты в durable-переходы статусов платежа
// и ровно один раз на платёж запускает выпуск ключа.
type Payments struct {
	store       *db.Store
	vpn         VPNClient
	lifecycle   *Lifecycle
	referrals   *Referrals
	sender      Sender
	maxAttempts int
}

func NewPayments(store *db.Store, vpn VPNClient, lifecycle *Lifecycle, referrals *Referrals, sender Sender, maxAttempts int) *Payments {
	return &Payments{store: store, vpn: vpn, lifecycle: lifecycle, referrals: referrals, sender: sender, maxAttempts: maxAttempts}
}

// CreateInvoice заводит платёж в статусе pending и возвращает описание
// счёта. В payload уходит только внешний ID платежа.
func (p *Payments) CreateInvoice(userID uint, plan plans.Plan) (*db.Payment, Invoice, error) {
	pay := &db.Payment{
		ExternalID: uuid.NewString(),
		UserID:     userID,
		PlanID:     plan.ID,
		Amount:     plan.PriceStars,
		Currency:   "XTR",
		Status:     db.PaymentStatusPending,
	}
	if err := p.store.CreatePayment(pay); err != nil {
		return nil, Invoice{}, fmt.Errorf("create payment: %w", err)
	}
	inv := Invoice{
		Title:       "VPN: " + plan.Name,
		Description: fmt.Sprintf("Доступ к VPN: %s", plan.Name),
		Payload:     payloadPrefix + pay.ExternalID,
		Currency:    pay.Currency,
		Amount:      pay.Amount,
	}
	return pay, inv, nil
}

// CreateExtensionInvoice — счёт на продление существующего ключа тем же
// тарифом. Платёж заранее привязан к ключу: по этому признаку
// подтверждение оплаты различает покупку и продление.
func (p *Payments) CreateExtensionInvoice(userID, keyID uint, plan plans.Plan) (*db.Payment, Invoice, error) {
	pay := &db.Payment{
		ExternalID: uuid.NewString(),
		UserID:     userID,
		PlanID:     plan.ID,
		Amount:     plan.PriceStars,
		Currency:   "XTR",
		Status:     db.PaymentStatusPending,
		KeyID:      &keyID,
	}
	if err := p.store.CreatePayment(pay); err != nil {
		return nil, Invoice{}, fmt.Errorf("create extension payment: %w", err)
	}
	inv := Invoice{
		Title:       "Продление VPN: " + plan.Name,
		Description: fmt.Sprintf("Продление ключа: %s", plan.Name),
		Payload:     payloadPrefix + pay.ExternalID,
		Currency:    pay.Currency,
		Amount:      pay.Amount,
	}
	return pay, inv, nil
}

// ExtractPaymentID разбирает payload инвойса. Любой мусор на входе —
// просто "не наш payload", без паник и ошибок.
func ExtractPaymentID(payload string) (string, bool) {
	if !strings.HasPrefix(payload, payloadPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(payload, payloadPrefix)
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

// OnPaymentConfirmed обрабатывает подтверждение оплаты. Переход
// pending -> completed атомарный: повторный webhook по уже обработанному
// платежу — безопасный no-op. Затем ровно один раз запускается выпуск
// ключа; если активация не удалась после всех попыток, платёж уходит в
// pending_activation и будет дообработан фоновым проходом — оплаченная
// покупка не теряется никогда.
func (p *Payments) OnPaymentConfirmed(externalID, telegramChargeID, providerChargeID string, chatID int64) (string, error) {
	pay, err := p.store.GetPaymentByExternalID(externalID)
	if err != nil {
		return "", fmt.Errorf("payment %s: %w", externalID, err)
	}
	ok, err := p.store.TransitionPayment(pay.ID, db.PaymentStatusPending, db.PaymentStatusCompleted, map[string]interface{}{
		"telegram_charge_id": telegramChargeID,
		"provider_charge_id": providerChargeID,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		// Дубликат webhook'а: отдаём то, что уже выдано
		logger.Warn("duplicate payment confirmation ignored", zap.String("external_id", externalID))
		return p.existingAccessURL(pay)
	}
	metrics.PaymentsCompleted.Inc()
	var key *db.Key
	if pay.KeyID != nil {
		// Платёж заранее привязан к ключу — это продление
		key, err = p.extendPaidKey(pay)
	} else {
		key, err = p.lifecycle.CreateAndActivateWithRetry(pay.UserID, pay.PlanID, pay.ID, chatID, p.maxAttempts)
	}
	if err != nil {
		if _, terr := p.store.TransitionPayment(pay.ID, db.PaymentStatusCompleted, db.PaymentStatusPendingActivation, map[string]interface{}{
			"fail_reason": err.Error(),
		}); terr != nil {
			logger.Error("failed to park payment for later activation", zap.Uint("payment_id", pay.ID), zap.Error(terr))
		}
		return "", fmt.Errorf("payment %d accepted, activation deferred: %w", pay.ID, err)
	}
	p.finishActivated(pay, chatID)
	if key.AccessURL == nil {
		return "", nil
	}
	return *key.AccessURL, nil
}

// extendPaidKey применяет оплаченное продление: срок и лимит растут на
// величину тарифа платежа.
func (p *Payments) extendPaidKey(pay *db.Payment) (*db.Key, error) {
	plan, err := plans.Resolve(pay.PlanID)
	if err != nil {
		return nil, err
	}
	return p.lifecycle.Extend(*pay.KeyID, plan.DurationDays, plan.DataLimitBytes)
}

// finishActivated — действия после успешного выпуска ключа: убрать
// показанный инвойс и начислить реферальный бонус (только за
// реализованную покупку).
func (p *Payments) finishActivated(pay *db.Payment, chatID int64) {
	if pay.InvoiceMessageID != nil {
		if err := p.sender.DeleteMessage(chatID, *pay.InvoiceMessageID); err != nil {
			logger.Warn("invoice message deletion failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
		}
		if err := p.store.ClearInvoiceMessageID(pay.ID); err != nil {
			logger.Error("failed to clear invoice message id", zap.Uint("payment_id", pay.ID), zap.Error(err))
		}
	}
	if err := p.referrals.AccrueBonus(pay.UserID, pay.Amount); err != nil {
		logger.Error("referral bonus accrual failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
	}
}

func (p *Payments) existingAccessURL(pay *db.Payment) (string, error) {
	if pay.KeyID == nil {
		return "", nil
	}
	key, err := p.store.GetKey(*pay.KeyID)
	if err != nil || key.AccessURL == nil {
		return "", nil
	}
	return *key.AccessURL, nil
}

// OnPreCheckout отвечает на pre-checkout запрос. Продажа блокируется,
// если сервер Outline сейчас не может выпустить ключ.
func (p *Payments) OnPreCheckout(payload string) (bool, string) {
	if _, ok := ExtractPaymentID(payload); !ok {
		return false, "Некорректный платёж, начните покупку заново."
	}
	if _, err := p.vpn.GetServerInfo(); err != nil {
		logger.Error("pre-checkout denied, outline server probe failed", zap.Error(err))
		return false, "VPN-сервер временно недоступен, попробуйте позже."
	}
	return true, ""
}

// RecoverPendingActivations — фоновый проход восстановления:
//  1. платежи в pending_activation получают повторную попытку активации;
//  2. completed-платежи без ключа (разрыв между create и link) получают
//     ключ заново — правило двухфазного восстановления.
func (p *Payments) RecoverPendingActivations() (int, error) {
	recovered := 0
	parked, err := p.store.ListPaymentsByStatus(db.PaymentStatusPendingActivation)
	if err != nil {
		return 0, err
	}
	for _, pay := range parked {
		if err := p.recoverOne(&pay); err != nil {
			logger.Error("recovery attempt failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
			continue
		}
		recovered++
	}
	orphans, err := p.store.ListCompletedPaymentsWithoutKey()
	if err != nil {
		return recovered, err
	}
	for _, pay := range orphans {
		user, err := p.store.GetUser(pay.UserID)
		if err != nil {
			logger.Error("orphan payment has no user", zap.Uint("payment_id", pay.ID), zap.Error(err))
			continue
		}
		if _, err := p.lifecycle.CreateAndActivateWithRetry(pay.UserID, pay.PlanID, pay.ID, user.TelegramID, p.maxAttempts); err != nil {
			logger.Error("orphan payment recovery failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
			continue
		}
		p.finishActivated(&pay, user.TelegramID)
		recovered++
	}
	return recovered, nil
}

func (p *Payments) recoverOne(pay *db.Payment) error {
	user, err := p.store.GetUser(pay.UserID)
	if err != nil {
		return err
	}
	var key *db.Key
	if pay.KeyID != nil {
		key, err = p.store.GetKey(*pay.KeyID)
		if err != nil {
			return err
		}
		if key.OutlineID != nil {
			// Ключ уже существует на сервере (застрявшее продление):
			// достаточно вернуть его в работу с текущим лимитом
			if err := p.vpn.Reactivate(*key.OutlineID, key.DataLimitBytes); err != nil {
				return err
			}
			if err := p.store.SetKeyStatus(key.ID, db.KeyStatusActive); err != nil {
				return err
			}
			key, err = p.store.GetKey(key.ID)
		} else {
			key, err = p.lifecycle.Activate(key.ID, user.TelegramID)
		}
	} else {
		key, err = p.lifecycle.CreateAndActivateWithRetry(pay.UserID, pay.PlanID, pay.ID, user.TelegramID, p.maxAttempts)
	}
	if err != nil {
		return err
	}
	ok, err := p.store.TransitionPayment(pay.ID, db.PaymentStatusPendingActivation, db.PaymentStatusCompleted, nil)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("payment left pending_activation concurrently")
	}
	p.finishActivated(pay, user.TelegramID)
	if key.AccessURL != nil {
		if err := p.sender.Send(user.TelegramID, "✅ Ваш VPN-ключ готов:\n"+*key.AccessURL); err != nil {
			logger.Warn("recovered key delivery failed", zap.Uint("payment_id", pay.ID), zap.Error(err))
		}
	}
	return nil
}
