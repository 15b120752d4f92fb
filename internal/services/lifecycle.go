// Package services содержит бизнес-логику бота: жизненный цикл ключей,
// сверку платежей, уведомления и реферальные начисления.
package services

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
	"outline-vpn-bot/internal/metrics"
	"outline-vpn-bot/internal/outline"
	"outline-vpn-bot/internal/plans"
)

// VPNClient — контракт provisioning-клиента. Реализуется outline.Client,
// в тестах подменяется фейком.
type VPNClient interface {
	CreateAccessKey() (*outline.AccessKey, error)
	RenameKey(outlineID, name string) error
	SetDataLimit(outlineID string, bytes int64) error
	Suspend(outlineID string) error
	Reactivate(outlineID string, newLimitBytes int64) error
	DeleteAccessKey(outlineID string) error
	GetUsage(outlineID string) (int64, error)
	GetAllUsage() (map[string]int64, error)
	GetServerInfo() (*outline.ServerInfo, error)
}

// Sender — внешний транспорт сообщений (Telegram). Ядро им только
// отправляет готовый текст и удаляет старые сообщения.
type Sender interface {
	Send(chatID int64, text string) error
	DeleteMessage(chatID int64, messageID int) error
}

// Lifecycle — движок жизненного цикла ключей:
// pending -> active -> {suspended <-> active (продление)} -> expired.
type Lifecycle struct {
	store    *db.Store
	vpn      VPNClient
	notifier *Notifier

	// sleep подменяется в тестах, чтобы не ждать настоящий backoff
	sleep func(time.Duration)
}

func NewLifecycle(store *db.Store, vpn VPNClient, notifier *Notifier) *Lifecycle {
	return &Lifecycle{store: store, vpn: vpn, notifier: notifier, sleep: time.Sleep}
}

// DaysRemaining — целое число оставшихся дней, не меньше нуля.
func DaysRemaining(expiresAt, now time.Time) int {
	d := int(expiresAt.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// CreateKeyRecord создаёт запись ключа со статусом pending и привязывает
// её к платежу. Ключ на сервере Outline на этом шаге ещё не существует.
func (l *Lifecycle) CreateKeyRecord(userID uint, planID string, paymentID uint) (*db.Key, error) {
	plan, err := plans.Resolve(planID)
	if err != nil {
		return nil, err
	}
	key := &db.Key{
		UserID:         userID,
		PlanID:         plan.ID,
		DataLimitBytes: plan.DataLimitBytes,
		Status:         db.KeyStatusPending,
		ExpiresAt:      plans.ExpiryDate(plan, time.Now()),
	}
	if err := l.store.CreateKey(key); err != nil {
		return nil, fmt.Errorf("create key record: %w", err)
	}
	if err := l.store.LinkPaymentKey(paymentID, key.ID); err != nil {
		return nil, fmt.Errorf("link payment to key: %w", err)
	}
	return key, nil
}

// Activate создаёт ключ на сервере Outline и переводит запись в active.
// Любая ошибка удалённого API переводит ключ в suspended и возвращается
// вызывающему: suspended без OutlineID — это отличимое состояние
// "активация не удалась", а не "исчерпан лимит".
func (l *Lifecycle) Activate(keyID uint, requesterChatID int64) (*db.Key, error) {
	key, err := l.store.GetKey(keyID)
	if err != nil {
		return nil, err
	}
	ak, err := l.vpn.CreateAccessKey()
	if err != nil {
		if serr := l.store.SetKeyStatus(keyID, db.KeyStatusSuspended); serr != nil {
			logger.Error("failed to mark key suspended after activation failure", zap.Uint("key_id", keyID), zap.Error(serr))
		}
		return nil, fmt.Errorf("activate key %d: %w", keyID, err)
	}
	// Имя ключа на сервере — только для удобства администрирования
	if err := l.vpn.RenameKey(ak.ID, fmt.Sprintf("user%d-key%d", key.UserID, key.ID)); err != nil {
		logger.Warn("rename outline key failed", zap.String("outline_id", ak.ID), zap.Error(err))
	}
	if err := l.vpn.SetDataLimit(ak.ID, key.DataLimitBytes); err != nil {
		if derr := l.vpn.DeleteAccessKey(ak.ID); derr != nil {
			logger.Warn("cleanup of half-provisioned outline key failed", zap.String("outline_id", ak.ID), zap.Error(derr))
		}
		if serr := l.store.SetKeyStatus(keyID, db.KeyStatusSuspended); serr != nil {
			logger.Error("failed to mark key suspended after activation failure", zap.Uint("key_id", keyID), zap.Error(serr))
		}
		return nil, fmt.Errorf("set data limit for key %d: %w", keyID, err)
	}
	if err := l.store.MarkKeyActivated(key.ID, ak.ID, ak.AccessURL); err != nil {
		return nil, fmt.Errorf("persist activated key %d: %w", keyID, err)
	}
	logger.Info("key activated", zap.Uint("key_id", key.ID), zap.String("outline_id", ak.ID), zap.Int64("chat_id", requesterChatID))
	return l.store.GetKey(key.ID)
}

// CreateAndActivateWithRetry создаёт запись ключа один раз и пытается
// активировать её до maxAttempts раз с экспоненциальной паузой
// 2^(attempt-1) секунд. Ошибки вне VPN API не ретраятся.
func (l *Lifecycle) CreateAndActivateWithRetry(userID uint, planID string, paymentID uint, requesterChatID int64, maxAttempts int) (*db.Key, error) {
	key, err := l.CreateKeyRecord(userID, planID, paymentID)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		activated, err := l.Activate(key.ID, requesterChatID)
		if err == nil {
			return activated, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
		logger.Warn("key activation attempt failed",
			zap.Uint("key_id", key.ID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < maxAttempts {
			metrics.ActivationRetries.Inc()
			l.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
	}
	return nil, fmt.Errorf("activation of key %d failed after %d attempts: %w", key.ID, maxAttempts, lastErr)
}

// Ретраятся только сбои удалённого VPN API. ErrRejected тоже считается
// временным: на практике это чаще всего нехватка ёмкости сервера.
func isRetryable(err error) bool {
	return errors.Is(err, outline.ErrUnavailable) ||
		errors.Is(err, outline.ErrTimeout) ||
		errors.Is(err, outline.ErrRejected)
}

// ReconcileUsage подтягивает трафик ключа с сервера. Если ключ ещё не
// активирован (нет OutlineID) — no-op. Повторный вызов с тем же
// удалённым значением ничего не меняет.
func (l *Lifecycle) ReconcileUsage(keyID uint) (bool, error) {
	key, err := l.store.GetKey(keyID)
	if err != nil {
		return false, err
	}
	if key.OutlineID == nil {
		return false, nil
	}
	remote, err := l.vpn.GetUsage(*key.OutlineID)
	if err != nil {
		return false, fmt.Errorf("fetch usage for key %d: %w", keyID, err)
	}
	updated := false
	if remote > key.DataUsedBytes {
		delta := remote - key.DataUsedBytes
		if err := l.store.UpdateKeyUsage(keyID, remote); err != nil {
			return false, err
		}
		if err := l.store.AppendUsageLog(keyID, delta); err != nil {
			return false, err
		}
		updated = true
	}
	if _, err := l.EnforceLimits(keyID); err != nil {
		return updated, err
	}
	return updated, nil
}

// EnforceLimits проверяет активный ключ на истечение срока и лимита
// (сравнения включительные: ровно 100% или ровно момент истечения —
// уже нарушение). Возвращает true, если ключ был приостановлен.
func (l *Lifecycle) EnforceLimits(keyID uint) (bool, error) {
	key, err := l.store.GetKey(keyID)
	if err != nil {
		return false, err
	}
	if key.Status != db.KeyStatusActive {
		return false, nil
	}
	now := time.Now()
	isExpired := !now.Before(key.ExpiresAt)
	isOverLimit := key.DataUsedBytes >= key.DataLimitBytes
	if !isExpired && !isOverLimit {
		return false, nil
	}
	if key.OutlineID != nil {
		if err := l.vpn.Suspend(*key.OutlineID); err != nil {
			// Не меняем статус: следующий проход попробует снова
			return false, fmt.Errorf("suspend key %d on server: %w", keyID, err)
		}
	}
	if err := l.store.SetKeyStatus(keyID, db.KeyStatusSuspended); err != nil {
		return false, err
	}
	kind, threshold := KindTrafficExhausted, 100
	if isExpired {
		kind, threshold = KindTimeExpired, 0
	}
	if _, err := l.notifier.Notify(key, kind, threshold); err != nil {
		logger.Error("suspension notification failed", zap.Uint("key_id", keyID), zap.Error(err))
	}
	logger.Info("key suspended", zap.Uint("key_id", keyID), zap.String("reason", kind))
	return true, nil
}

// Extend добавляет срок и трафик, возвращает ключ в active и поднимает
// лимит на сервере. Накопленный трафик не сбрасывается — растёт только
// потолок.
func (l *Lifecycle) Extend(keyID uint, additionalDays int, additionalBytes int64) (*db.Key, error) {
	key, err := l.store.GetKey(keyID)
	if err != nil {
		return nil, err
	}
	newExpires := key.ExpiresAt.AddDate(0, 0, additionalDays)
	newLimit := key.DataLimitBytes + additionalBytes
	if err := l.store.ExtendKey(keyID, newExpires, newLimit); err != nil {
		return nil, fmt.Errorf("extend key %d: %w", keyID, err)
	}
	if key.OutlineID != nil {
		if err := l.vpn.Reactivate(*key.OutlineID, newLimit); err != nil {
			return nil, fmt.Errorf("reactivate key %d on server: %w", keyID, err)
		}
	}
	return l.store.GetKey(keyID)
}

// Cancel удаляет ключ на сервере (best-effort) и помечает запись expired.
func (l *Lifecycle) Cancel(keyID uint, reason string) error {
	key, err := l.store.GetKey(keyID)
	if err != nil {
		return err
	}
	if key.OutlineID != nil {
		if err := l.vpn.DeleteAccessKey(*key.OutlineID); err != nil {
			logger.Warn("remote key deletion failed, cancelling locally anyway",
				zap.Uint("key_id", keyID), zap.Error(err))
		}
	}
	if err := l.store.SetKeyStatus(keyID, db.KeyStatusExpired); err != nil {
		return err
	}
	logger.Info("key cancelled", zap.Uint("key_id", keyID), zap.String("reason", reason))
	return nil
}

// SweepResult — итоги одного периодического прохода.
type SweepResult struct {
	KeysChecked       int
	KeysSuspended     int
	NotificationsSent int
	Errors            int
}

// SweepAllActiveKeys — периодический проход по всем активным ключам:
// один bulk-запрос трафика вместо N, затем для каждого ключа обновление
// трафика, проверка порогов уведомлений и enforcement. Ошибка по одному
// ключу логируется и не прерывает проход.
func (l *Lifecycle) SweepAllActiveKeys() (SweepResult, error) {
	var res SweepResult
	keys, err := l.store.ListActiveKeys()
	if err != nil {
		return res, fmt.Errorf("list active keys: %w", err)
	}
	usage, err := l.vpn.GetAllUsage()
	if err != nil {
		// Без свежего трафика проход всё равно полезен: сроки истекают
		// независимо от сервера
		logger.Error("bulk usage fetch failed, sweeping with stored usage", zap.Error(err))
		usage = nil
	}
	for _, key := range keys {
		res.KeysChecked++
		if err := l.sweepOne(key, usage, &res); err != nil {
			res.Errors++
			metrics.SweepKeyErrors.Inc()
			logger.Error("sweep: key skipped", zap.Uint("key_id", key.ID), zap.Error(err))
		}
	}
	metrics.SweepRuns.Inc()
	logger.Info("sweep finished",
		zap.Int("checked", res.KeysChecked),
		zap.Int("suspended", res.KeysSuspended),
		zap.Int("notified", res.NotificationsSent),
		zap.Int("errors", res.Errors))
	return res, nil
}

func (l *Lifecycle) sweepOne(key db.Key, usage map[string]int64, res *SweepResult) error {
	if key.OutlineID != nil && usage != nil {
		if remote, ok := usage[*key.OutlineID]; ok && remote > key.DataUsedBytes {
			if err := l.store.UpdateKeyUsage(key.ID, remote); err != nil {
				return err
			}
			if err := l.store.AppendUsageLog(key.ID, remote-key.DataUsedBytes); err != nil {
				return err
			}
			key.DataUsedBytes = remote
		}
	}
	sent, err := l.notifier.EvaluateThresholds(&key)
	if err != nil {
		return err
	}
	res.NotificationsSent += sent
	metrics.SweepNotificationsSent.Add(float64(sent))
	suspended, err := l.EnforceLimits(key.ID)
	if err != nil {
		return err
	}
	if suspended {
		res.KeysSuspended++
		metrics.SweepKeysSuspended.Inc()
	}
	return nil
}
