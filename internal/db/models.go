package db

import "time"

// Статусы хранятся в БД текстом, в коде — только типизированные константы.

type KeyStatus string

const (
	KeyStatusPending   KeyStatus = "pending"
	KeyStatusActive    KeyStatus = "active"
	KeyStatusSuspended KeyStatus = "suspended"
	KeyStatusExpired   KeyStatus = "expired"
)

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusPendingActivation PaymentStatus = "pending_activation"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
)

type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex"`
	Username   string
	FirstName  string
	LastName   string
	Role       string `gorm:"default:user"`
	Language   string `gorm:"default:ru"`
	// ReferrerID выставляется один раз и больше не меняется
	ReferrerID *uint
	CreatedAt  time.Time
}

type Key struct {
	ID     uint `gorm:"primaryKey"`
	UserID uint `gorm:"index"`
	PlanID string
	// OutlineID и AccessURL пустые, пока ключ не создан на сервере Outline
	OutlineID      *string
	AccessURL      *string
	DataLimitBytes int64
	DataUsedBytes  int64
	Status         KeyStatus `gorm:"index"`
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Payment struct {
	ID uint `gorm:"primaryKey"`
	// ExternalID уходит в payload инвойса и возвращается в webhook
	ExternalID       string `gorm:"uniqueIndex"`
	UserID           uint   `gorm:"index"`
	PlanID           string
	Amount           int
	Currency         string        `gorm:"default:XTR"`
	Status           PaymentStatus `gorm:"index"`
	TelegramChargeID string
	ProviderChargeID string
	KeyID            *uint
	InvoiceMessageID *int
	FailReason       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UsageLog — журнал приростов трафика, только добавление.
type UsageLog struct {
	ID        uint `gorm:"primaryKey"`
	KeyID     uint `gorm:"index"`
	Bytes     int64
	CreatedAt time.Time
}

// Notification — запись об отправленном уведомлении, защита от дублей.
type Notification struct {
	ID        uint   `gorm:"primaryKey"`
	KeyID     uint   `gorm:"index:idx_notif_dedup"`
	Kind      string `gorm:"index:idx_notif_dedup"`
	Threshold int    `gorm:"index:idx_notif_dedup"`
	SentAt    time.Time
}

type Referral struct {
	ID          uint `gorm:"primaryKey"`
	ReferrerID  uint `gorm:"uniqueIndex:idx_ref_pair"`
	ReferredID  uint `gorm:"uniqueIndex:idx_ref_pair"`
	BonusEarned int64
	BonusType   string `gorm:"default:stars"`
	CreatedAt   time.Time
}

// Withdrawal — заявка на вывод реферального бонуса, учитывается отдельно
// от начислений.
type Withdrawal struct {
	ID         uint `gorm:"primaryKey"`
	ReferrerID uint `gorm:"index"`
	Amount     int64
	Status     string `gorm:"default:requested"`
	CreatedAt  time.Time
}
