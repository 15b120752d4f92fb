// Package db реализует единый контракт доступа к данным поверх gorm.
// Один и тот же код работает с тремя бэкендами: SQLite, PostgreSQL и
// Supabase (managed PostgreSQL за пулером соединений).
package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ErrNotFound возвращается, когда запись не найдена ни в одном бэкенде.
var ErrNotFound = errors.New("record not found")

// Store инкапсулирует соединение с БД и методы работы с сущностями бота.
type Store struct {
	DB *gorm.DB
}

// Open подключается к выбранному бэкенду и прогоняет миграции.
// driver: sqlite | postgres | supabase.
func Open(driver, dsn string) (*Store, error) {
	var dial gorm.Dialector
	switch driver {
	case "sqlite":
		dial = sqlite.Open(dsn)
	case "postgres":
		dial = postgres.Open(dsn)
	case "supabase":
		// Supabase подключается через pgbouncer в transaction-режиме,
		// prepared statements там не живут между запросами
		dial = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	default:
		return nil, fmt.Errorf("unknown db driver: %s", driver)
	}
	gdb, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := gdb.AutoMigrate(&User{}, &Key{}, &Payment{}, &UsageLog{}, &Notification{}, &Referral{}, &Withdrawal{}); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return &Store{DB: gdb}, nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- Пользователи ---

// GetOrCreateUser находит пользователя по TelegramID или создаёт нового.
// Поля профиля обновляются, если изменились.
func (s *Store) GetOrCreateUser(telegramID int64, username, firstName, lastName string) (*User, error) {
	var user User
	err := s.DB.Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = User{TelegramID: telegramID, Username: username, FirstName: firstName, LastName: lastName}
		if err := s.DB.Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}
	if user.Username != username || user.FirstName != firstName || user.LastName != lastName {
		updates := map[string]interface{}{"username": username, "first_name": firstName, "last_name": lastName}
		if err := s.DB.Model(&user).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &user, nil
}

func (s *Store) GetUser(id uint) (*User, error) {
	var user User
	if err := s.DB.First(&user, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &user, nil
}

func (s *Store) GetUserByTelegramID(telegramID int64) (*User, error) {
	var user User
	if err := s.DB.Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &user, nil
}

// SetReferrerOnce проставляет реферера только если он ещё не задан.
// Возвращает true, если поле реально было записано.
func (s *Store) SetReferrerOnce(userID, referrerID uint) (bool, error) {
	res := s.DB.Model(&User{}).Where("id = ? AND referrer_id IS NULL", userID).Update("referrer_id", referrerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) CountUsers() (int64, error) {
	var count int64
	err := s.DB.Model(&User{}).Count(&count).Error
	return count, err
}

// --- Ключи ---

func (s *Store) CreateKey(key *Key) error {
	return s.DB.Create(key).Error
}

func (s *Store) GetKey(id uint) (*Key, error) {
	var key Key
	if err := s.DB.First(&key, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &key, nil
}

func (s *Store) ListKeysByUser(userID uint) ([]Key, error) {
	var keys []Key
	err := s.DB.Where("user_id = ?", userID).Order("id").Find(&keys).Error
	return keys, err
}

func (s *Store) ListActiveKeys() ([]Key, error) {
	var keys []Key
	err := s.DB.Where("status = ?", KeyStatusActive).Order("id").Find(&keys).Error
	return keys, err
}

func (s *Store) CountActiveKeys() (int64, error) {
	var count int64
	err := s.DB.Model(&Key{}).Where("status = ?", KeyStatusActive).Count(&count).Error
	return count, err
}

// MarkKeyActivated сохраняет реквизиты Outline и переводит ключ в active.
func (s *Store) MarkKeyActivated(keyID uint, outlineID, accessURL string) error {
	return s.DB.Model(&Key{}).Where("id = ?", keyID).Updates(map[string]interface{}{
		"outline_id": outlineID,
		"access_url": accessURL,
		"status":     KeyStatusActive,
	}).Error
}

func (s *Store) SetKeyStatus(keyID uint, status KeyStatus) error {
	return s.DB.Model(&Key{}).Where("id = ?", keyID).Update("status", status).Error
}

func (s *Store) UpdateKeyUsage(keyID uint, usedBytes int64) error {
	return s.DB.Model(&Key{}).Where("id = ?", keyID).Update("data_used_bytes", usedBytes).Error
}

// ExtendKey поднимает срок и лимит и принудительно возвращает ключ в active.
// Накопленный трафик не сбрасывается.
func (s *Store) ExtendKey(keyID uint, expiresAt time.Time, dataLimitBytes int64) error {
	return s.DB.Model(&Key{}).Where("id = ?", keyID).Updates(map[string]interface{}{
		"expires_at":       expiresAt,
		"data_limit_bytes": dataLimitBytes,
		"status":           KeyStatusActive,
	}).Error
}

// --- Платежи ---

func (s *Store) CreatePayment(p *Payment) error {
	return s.DB.Create(p).Error
}

func (s *Store) GetPayment(id uint) (*Payment, error) {
	var p Payment
	if err := s.DB.First(&p, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *Store) GetPaymentByExternalID(externalID string) (*Payment, error) {
	var p Payment
	if err := s.DB.Where("external_id = ?", externalID).First(&p).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// TransitionPayment атомарно переводит платёж из одного статуса в другой.
// Возвращает false, если платёж уже не в статусе from — это и есть
// механизм дедупликации повторных webhook'ов.
func (s *Store) TransitionPayment(id uint, from, to PaymentStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.DB.Model(&Payment{}).Where("id = ? AND status = ?", id, from).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) LinkPaymentKey(paymentID, keyID uint) error {
	return s.DB.Model(&Payment{}).Where("id = ?", paymentID).Update("key_id", keyID).Error
}

func (s *Store) SetInvoiceMessageID(paymentID uint, messageID int) error {
	return s.DB.Model(&Payment{}).Where("id = ?", paymentID).Update("invoice_message_id", messageID).Error
}

func (s *Store) ClearInvoiceMessageID(paymentID uint) error {
	return s.DB.Model(&Payment{}).Where("id = ?", paymentID).Update("invoice_message_id", nil).Error
}

func (s *Store) ListPaymentsByStatus(status PaymentStatus) ([]Payment, error) {
	var pays []Payment
	err := s.DB.Where("status = ?", status).Order("id").Find(&pays).Error
	return pays, err
}

// ListCompletedPaymentsWithoutKey находит оплаченные платежи без ключа —
// след упавшей между двумя записями последовательности create-then-link.
func (s *Store) ListCompletedPaymentsWithoutKey() ([]Payment, error) {
	var pays []Payment
	err := s.DB.Where("status = ? AND key_id IS NULL", PaymentStatusCompleted).Order("id").Find(&pays).Error
	return pays, err
}

func (s *Store) SumPayments(from, to time.Time) (int64, error) {
	var sum *int64
	err := s.DB.Model(&Payment{}).
		Where("status = ? AND created_at >= ? AND created_at <= ?", PaymentStatusCompleted, from, to).
		Select("sum(amount)").Scan(&sum).Error
	if err != nil || sum == nil {
		return 0, err
	}
	return *sum, nil
}

// --- Журнал трафика ---

func (s *Store) AppendUsageLog(keyID uint, deltaBytes int64) error {
	return s.DB.Create(&UsageLog{KeyID: keyID, Bytes: deltaBytes}).Error
}

func (s *Store) CountUsageLogs(keyID uint) (int64, error) {
	var count int64
	err := s.DB.Model(&UsageLog{}).Where("key_id = ?", keyID).Count(&count).Error
	return count, err
}

// --- Уведомления ---

// HasRecentNotification проверяет, было ли уведомление (key, kind, threshold)
// в пределах окна дедупликации.
func (s *Store) HasRecentNotification(keyID uint, kind string, threshold int, window time.Duration) (bool, error) {
	var count int64
	since := time.Now().Add(-window)
	err := s.DB.Model(&Notification{}).
		Where("key_id = ? AND kind = ? AND threshold = ? AND sent_at >= ?", keyID, kind, threshold, since).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) CreateNotification(keyID uint, kind string, threshold int) error {
	return s.DB.Create(&Notification{KeyID: keyID, Kind: kind, Threshold: threshold, SentAt: time.Now()}).Error
}

// --- Рефералы ---

// CreateReferral создаёт уникальную пару (referrer, referred).
// Повторная вставка той же пары — no-op.
func (s *Store) CreateReferral(referrerID, referredID uint) (*Referral, error) {
	var ref Referral
	err := s.DB.Where(Referral{ReferrerID: referrerID, ReferredID: referredID}).FirstOrCreate(&ref).Error
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *Store) GetReferralByReferred(referredID uint) (*Referral, error) {
	var ref Referral
	if err := s.DB.Where("referred_id = ?", referredID).First(&ref).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &ref, nil
}

func (s *Store) AddReferralBonus(referralID uint, bonus int64) error {
	return s.DB.Model(&Referral{}).Where("id = ?", referralID).
		Update("bonus_earned", gorm.Expr("bonus_earned + ?", bonus)).Error
}

// SumReferralBonuses суммирует бонусы рефералов, созданных до cutoff
// (для доступного к выводу) либо всех (cutoff в будущем — lifetime).
func (s *Store) SumReferralBonuses(referrerID uint, createdBefore time.Time) (int64, error) {
	var sum *int64
	err := s.DB.Model(&Referral{}).
		Where("referrer_id = ? AND created_at <= ?", referrerID, createdBefore).
		Select("sum(bonus_earned)").Scan(&sum).Error
	if err != nil || sum == nil {
		return 0, err
	}
	return *sum, nil
}

func (s *Store) CreateWithdrawal(referrerID uint, amount int64) error {
	return s.DB.Create(&Withdrawal{ReferrerID: referrerID, Amount: amount}).Error
}

func (s *Store) SumWithdrawals(referrerID uint) (int64, error) {
	var sum *int64
	err := s.DB.Model(&Withdrawal{}).Where("referrer_id = ?", referrerID).
		Select("sum(amount)").Scan(&sum).Error
	if err != nil || sum == nil {
		return 0, err
	}
	return *sum, nil
}
