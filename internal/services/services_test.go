package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/outline"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", t.Name())
	store, err := db.Open("sqlite", dsn)
	require.NoError(t, err)
	return store
}

// fakeVPN — управляемый фейк Outline API для тестов.
type fakeVPN struct {
	mu sync.Mutex

	// createErrs потребляются по одному на вызов CreateAccessKey;
	// nil — успех, после исчерпания списка всегда успех
	createErrs  []error
	createCalls int

	usage    map[string]int64
	usageErr error

	suspended   []string
	suspendErr  error
	deleted     []string
	deleteErr   error
	reactivated map[string]int64
	limits      map[string]int64
	limitErr    error
	serverErr   error
}

func newFakeVPN() *fakeVPN {
	return &fakeVPN{
		usage:       map[string]int64{},
		reactivated: map[string]int64{},
		limits:      map[string]int64{},
	}
}

func (f *fakeVPN) CreateAccessKey() (*outline.AccessKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.createCalls
	f.createCalls++
	if call < len(f.createErrs) && f.createErrs[call] != nil {
		return nil, f.createErrs[call]
	}
	id := fmt.Sprintf("ok-%d", call)
	return &outline.AccessKey{ID: id, AccessURL: "ss://key-" + id + "@vpn.example:443"}, nil
}

func (f *fakeVPN) RenameKey(outlineID, name string) error { return nil }

func (f *fakeVPN) SetDataLimit(outlineID string, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return f.limitErr
	}
	f.limits[outlineID] = bytes
	return nil
}

func (f *fakeVPN) Suspend(outlineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suspendErr != nil {
		return f.suspendErr
	}
	f.suspended = append(f.suspended, outlineID)
	f.limits[outlineID] = outline.SuspendLimitBytes
	return nil
}

func (f *fakeVPN) Reactivate(outlineID string, newLimitBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return f.limitErr
	}
	f.reactivated[outlineID] = newLimitBytes
	return nil
}

func (f *fakeVPN) DeleteAccessKey(outlineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, outlineID)
	return nil
}

func (f *fakeVPN) GetUsage(outlineID string) (int64, error) {
	all, err := f.GetAllUsage()
	if err != nil {
		return 0, err
	}
	return all[outlineID], nil
}

func (f *fakeVPN) GetAllUsage() (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	out := make(map[string]int64, len(f.usage))
	for k, v := range f.usage {
		out[k] = v
	}
	return out, nil
}

func (f *fakeVPN) GetServerInfo() (*outline.ServerInfo, error) {
	if f.serverErr != nil {
		return nil, f.serverErr
	}
	return &outline.ServerInfo{ServerID: "test-server"}, nil
}

// fakeSender пишет отправленные сообщения в память.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	deleted  []int
	sendErr  error
}

type sentMessage struct {
	ChatID int64
	Text   string
}

func (f *fakeSender) Send(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeSender) DeleteMessage(chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// testEnv собирает полный набор сервисов над одной БД.
type testEnv struct {
	store     *db.Store
	vpn       *fakeVPN
	sender    *fakeSender
	notifier  *Notifier
	lifecycle *Lifecycle
	referrals *Referrals
	payments  *Payments
	sleeps    []time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newTestStore(t),
		vpn:    newFakeVPN(),
		sender: &fakeSender{},
	}
	env.notifier = NewNotifier(env.store, env.sender)
	env.lifecycle = NewLifecycle(env.store, env.vpn, env.notifier)
	env.lifecycle.sleep = func(d time.Duration) { env.sleeps = append(env.sleeps, d) }
	env.referrals = NewReferrals(env.store, 0.1, 7)
	env.payments = NewPayments(env.store, env.vpn, env.lifecycle, env.referrals, env.sender, 3)
	return env
}

func (env *testEnv) createUser(t *testing.T, telegramID int64) *db.User {
	t.Helper()
	user, err := env.store.GetOrCreateUser(telegramID, fmt.Sprintf("user%d", telegramID), "", "")
	require.NoError(t, err)
	return user
}
