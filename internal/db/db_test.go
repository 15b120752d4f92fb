package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := Open("sqlite", dsn)
	require.NoError(t, err)
	return store
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn")
	assert.Error(t, err)
}

func TestGetOrCreateUser(t *testing.T) {
	store := newTestStore(t)

	u1, err := store.GetOrCreateUser(100, "alice", "Alice", "")
	require.NoError(t, err)
	u2, err := store.GetOrCreateUser(100, "alice_new", "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, "alice_new", u2.Username)

	count, err := store.CountUsers()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestSetReferrerOnce(t *testing.T) {
	store := newTestStore(t)
	referred, _ := store.GetOrCreateUser(1, "a", "", "")
	ref1, _ := store.GetOrCreateUser(2, "b", "", "")
	ref2, _ := store.GetOrCreateUser(3, "c", "", "")

	set, err := store.SetReferrerOnce(referred.ID, ref1.ID)
	require.NoError(t, err)
	assert.True(t, set)

	// второй реферер не перезаписывает первого
	set, err = store.SetReferrerOnce(referred.ID, ref2.ID)
	require.NoError(t, err)
	assert.False(t, set)

	got, err := store.GetUser(referred.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReferrerID)
	assert.Equal(t, ref1.ID, *got.ReferrerID)
}

func TestTransitionPayment(t *testing.T) {
	store := newTestStore(t)
	pay := &Payment{ExternalID: "ext-1", UserID: 1, PlanID: "month_30gb", Amount: 150, Status: PaymentStatusPending}
	require.NoError(t, store.CreatePayment(pay))

	ok, err := store.TransitionPayment(pay.ID, PaymentStatusPending, PaymentStatusCompleted, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// повторный переход из pending — no-op, дубликаты webhook'ов гасятся здесь
	ok, err = store.TransitionPayment(pay.ID, PaymentStatusPending, PaymentStatusCompleted, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetPayment(pay.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusCompleted, got.Status)
}

func TestNotificationDedupWindow(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateNotification(5, "TIME_EXPIRED", 0))

	seen, err := store.HasRecentNotification(5, "TIME_EXPIRED", 0, 7*24*time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)

	// другой порог того же ключа не считается дублем
	seen, err = store.HasRecentNotification(5, "TIME_WARNING_1", 1, 7*24*time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	// за пределами окна запись не видна
	seen, err = store.HasRecentNotification(5, "TIME_EXPIRED", 0, 0)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestCreateReferralUniquePair(t *testing.T) {
	store := newTestStore(t)
	r1, err := store.CreateReferral(1, 2)
	require.NoError(t, err)
	r2, err := store.CreateReferral(1, 2)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID)

	require.NoError(t, store.AddReferralBonus(r1.ID, 50))
	require.NoError(t, store.AddReferralBonus(r1.ID, 25))
	sum, err := store.SumReferralBonuses(1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 75, sum)
}

func TestListCompletedPaymentsWithoutKey(t *testing.T) {
	store := newTestStore(t)
	orphan := &Payment{ExternalID: "o-1", UserID: 1, PlanID: "p", Status: PaymentStatusCompleted}
	require.NoError(t, store.CreatePayment(orphan))
	linked := &Payment{ExternalID: "o-2", UserID: 1, PlanID: "p", Status: PaymentStatusCompleted}
	require.NoError(t, store.CreatePayment(linked))
	require.NoError(t, store.CreateKey(&Key{UserID: 1, PlanID: "p", Status: KeyStatusActive, ExpiresAt: time.Now()}))
	require.NoError(t, store.LinkPaymentKey(linked.ID, 1))

	got, err := store.ListCompletedPaymentsWithoutKey()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orphan.ID, got[0].ID)
}
