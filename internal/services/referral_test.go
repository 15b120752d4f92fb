package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outline-vpn-bot/internal/db"
)

func TestRecordReferralSelfNoop(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, 1)

	require.NoError(t, env.referrals.RecordReferral(user.ID, user.ID))

	got, err := env.store.GetUser(user.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReferrerID)
}

func TestRecordReferralFirstReferrerWins(t *testing.T) {
	env := newTestEnv(t)
	first := env.createUser(t, 1)
	second := env.createUser(t, 2)
	referred := env.createUser(t, 3)

	require.NoError(t, env.referrals.RecordReferral(first.ID, referred.ID))
	require.NoError(t, env.referrals.RecordReferral(second.ID, referred.ID))

	got, err := env.store.GetUser(referred.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReferrerID)
	assert.Equal(t, first.ID, *got.ReferrerID)

	// пара у второго реферера не заводится
	_, err = env.store.GetReferralByReferred(referred.ID)
	require.NoError(t, err)
	var count int64
	require.NoError(t, env.store.DB.Model(&db.Referral{}).
		Where("referred_id = ?", referred.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestAccrueBonusFloorAndNoop(t *testing.T) {
	env := newTestEnv(t)
	referrer := env.createUser(t, 1)
	buyer := env.createUser(t, 2)
	loner := env.createUser(t, 3)
	require.NoError(t, env.referrals.RecordReferral(referrer.ID, buyer.ID))

	// floor(155 × 0.1) = 15
	require.NoError(t, env.referrals.AccrueBonus(buyer.ID, 155))
	lifetime, err := env.referrals.LifetimeEarned(referrer.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 15, lifetime)

	// бонус ≤ 0 не начисляется
	require.NoError(t, env.referrals.AccrueBonus(buyer.ID, 5))
	lifetime, _ = env.referrals.LifetimeEarned(referrer.ID)
	assert.EqualValues(t, 15, lifetime)

	// у покупателя без реферера — no-op
	require.NoError(t, env.referrals.AccrueBonus(loner.ID, 1000))
}

func TestMaturationDelay(t *testing.T) {
	env := newTestEnv(t)
	referrer := env.createUser(t, 1)
	buyer := env.createUser(t, 2)
	require.NoError(t, env.referrals.RecordReferral(referrer.ID, buyer.ID))
	require.NoError(t, env.referrals.AccrueBonus(buyer.ID, 500)) // бонус 50

	// реферал создан 2 дня назад, задержка созревания 7 дней
	require.NoError(t, env.store.DB.Model(&db.Referral{}).
		Where("referred_id = ?", buyer.ID).
		Update("created_at", time.Now().AddDate(0, 0, -2)).Error)

	available, err := env.referrals.AvailableForWithdrawal(referrer.ID)
	require.NoError(t, err)
	assert.Zero(t, available, "несозревший бонус недоступен к выводу")

	lifetime, err := env.referrals.LifetimeEarned(referrer.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, lifetime, "но входит в заработанное всего")

	// после созревания бонус доступен
	require.NoError(t, env.store.DB.Model(&db.Referral{}).
		Where("referred_id = ?", buyer.ID).
		Update("created_at", time.Now().AddDate(0, 0, -8)).Error)
	available, err = env.referrals.AvailableForWithdrawal(referrer.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, available)
}

func TestRequestWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	referrer := env.createUser(t, 1)
	buyer := env.createUser(t, 2)
	require.NoError(t, env.referrals.RecordReferral(referrer.ID, buyer.ID))
	require.NoError(t, env.referrals.AccrueBonus(buyer.ID, 1000)) // бонус 100
	require.NoError(t, env.store.DB.Model(&db.Referral{}).
		Where("referred_id = ?", buyer.ID).
		Update("created_at", time.Now().AddDate(0, 0, -10)).Error)

	assert.Error(t, env.referrals.RequestWithdrawal(referrer.ID, 0))
	assert.Error(t, env.referrals.RequestWithdrawal(referrer.ID, 200))

	require.NoError(t, env.referrals.RequestWithdrawal(referrer.ID, 60))
	available, err := env.referrals.AvailableForWithdrawal(referrer.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 40, available)
}
