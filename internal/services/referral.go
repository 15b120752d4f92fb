package services

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
)

// Referrals ведёт реферальную бухгалтерию: уникальные пары
// реферер-приглашённый, начисление комиссии с оплат и выплаты с
// задержкой созревания.
type Referrals struct {
	store          *db.Store
	commissionRate float64
	maturityDays   int
}

func NewReferrals(store *db.Store, commissionRate float64, maturityDays int) *Referrals {
	return &Referrals{store: store, commissionRate: commissionRate, maturityDays: maturityDays}
}

// RecordReferral фиксирует приглашение. Самоприглашение — no-op.
// Реферер у пользователя проставляется только первый раз
// (first-referrer-wins), пара (referrer, referred) уникальна.
func (r *Referrals) RecordReferral(referrerID, referredID uint) error {
	if referrerID == referredID {
		return nil
	}
	set, err := r.store.SetReferrerOnce(referredID, referrerID)
	if err != nil {
		return fmt.Errorf("set referrer: %w", err)
	}
	if !set {
		// Реферер уже закреплён за другим — новую пару не заводим
		return nil
	}
	if _, err := r.store.CreateReferral(referrerID, referredID); err != nil {
		return fmt.Errorf("create referral: %w", err)
	}
	logger.Info("referral recorded", zap.Uint("referrer_id", referrerID), zap.Uint("referred_id", referredID))
	return nil
}

// AccrueBonus начисляет рефереру покупателя floor(amount × rate).
// Нет реферера или бонус вышел нулевым — no-op.
func (r *Referrals) AccrueBonus(purchaserID uint, paymentAmount int) error {
	user, err := r.store.GetUser(purchaserID)
	if err != nil {
		return err
	}
	if user.ReferrerID == nil {
		return nil
	}
	bonus := int64(math.Floor(float64(paymentAmount) * r.commissionRate))
	if bonus <= 0 {
		return nil
	}
	ref, err := r.store.GetReferralByReferred(purchaserID)
	if errors.Is(err, db.ErrNotFound) {
		// referrer_id проставлен, а строки пары нет — достраиваем её
		ref, err = r.store.CreateReferral(*user.ReferrerID, purchaserID)
	}
	if err != nil {
		return err
	}
	if err := r.store.AddReferralBonus(ref.ID, bonus); err != nil {
		return err
	}
	logger.Info("referral bonus accrued",
		zap.Uint("referrer_id", ref.ReferrerID), zap.Uint("purchaser_id", purchaserID), zap.Int64("bonus", bonus))
	return nil
}

// AvailableForWithdrawal — сумма бонусов с рефералов, созревших не менее
// maturityDays назад, за вычетом уже запрошенных выплат.
func (r *Referrals) AvailableForWithdrawal(referrerID uint) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -r.maturityDays)
	matured, err := r.store.SumReferralBonuses(referrerID, cutoff)
	if err != nil {
		return 0, err
	}
	withdrawn, err := r.store.SumWithdrawals(referrerID)
	if err != nil {
		return 0, err
	}
	available := matured - withdrawn
	if available < 0 {
		available = 0
	}
	return available, nil
}

// LifetimeEarned — все начисленные бонусы, включая ещё не созревшие.
func (r *Referrals) LifetimeEarned(referrerID uint) (int64, error) {
	return r.store.SumReferralBonuses(referrerID, time.Now())
}

// RequestWithdrawal регистрирует заявку на вывод в пределах доступной суммы.
func (r *Referrals) RequestWithdrawal(referrerID uint, amount int64) error {
	if amount <= 0 {
		return errors.New("withdrawal amount must be positive")
	}
	available, err := r.AvailableForWithdrawal(referrerID)
	if err != nil {
		return err
	}
	if amount > available {
		return fmt.Errorf("withdrawal %d exceeds available %d", amount, available)
	}
	return r.store.CreateWithdrawal(referrerID, amount)
}
