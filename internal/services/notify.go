package services

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
)

// Виды уведомлений по порогам времени и трафика.
const (
	KindTimeWarning3     = "TIME_WARNING_3"
	KindTimeWarning1     = "TIME_WARNING_1"
	KindTimeExpired      = "TIME_EXPIRED"
	KindTrafficWarning5  = "TRAFFIC_WARNING_5"
	KindTrafficWarning1  = "TRAFFIC_WARNING_1"
	KindTrafficExhausted = "TRAFFIC_EXHAUSTED"
)

// DedupWindow — окно, внутри которого повтор (key, kind, threshold)
// не отправляется.
const DedupWindow = 7 * 24 * time.Hour

var kindMessages = map[string]string{
	KindTimeWarning3:     "⏳ Ваш VPN-ключ истекает менее чем через 3 дня. Продлить: /mykeys",
	KindTimeWarning1:     "⏳ Ваш VPN-ключ истекает менее чем через 1 день. Продлить: /mykeys",
	KindTimeExpired:      "❌ Срок действия вашего VPN-ключа истёк. Продлить: /mykeys",
	KindTrafficWarning5:  "📉 Осталось менее 5% трафика по вашему VPN-ключу.",
	KindTrafficWarning1:  "📉 Осталось менее 1% трафика по вашему VPN-ключу.",
	KindTrafficExhausted: "❌ Трафик по вашему VPN-ключу исчерпан. Продлить: /mykeys",
}

// Notifier отправляет пороговые уведомления ровно один раз на
// (ключ, вид, порог) внутри окна дедупликации. Запись в таблицу
// notifications — и есть защита от дублей.
type Notifier struct {
	store  *db.Store
	sender Sender
}

func NewNotifier(store *db.Store, sender Sender) *Notifier {
	return &Notifier{store: store, sender: sender}
}

// Notify пишет запись дедупликации и делает ровно один вызов отправки.
// Возвращает false, если уведомление подавлено как дубль.
func (n *Notifier) Notify(key *db.Key, kind string, threshold int) (bool, error) {
	seen, err := n.store.HasRecentNotification(key.ID, kind, threshold, DedupWindow)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	if err := n.store.CreateNotification(key.ID, kind, threshold); err != nil {
		return false, err
	}
	user, err := n.store.GetUser(key.UserID)
	if err != nil {
		return false, fmt.Errorf("notify key %d: %w", key.ID, err)
	}
	text, ok := kindMessages[kind]
	if !ok {
		text = kind
	}
	if err := n.sender.Send(user.TelegramID, text); err != nil {
		// Запись уже есть: лучше потерять одно сообщение, чем заспамить
		// пользователя при флапающем транспорте
		logger.Error("notification send failed", zap.Uint("key_id", key.ID), zap.String("kind", kind), zap.Error(err))
		return true, nil
	}
	return true, nil
}

// threshold — строка таблицы порогов: условие и значение для дедупликации.
type threshold struct {
	kind  string
	value int
	match func(daysLeft, remainingPct float64) bool
}

var thresholds = []threshold{
	{KindTimeWarning3, 3, func(d, _ float64) bool { return d > 1 && d <= 3 }},
	{KindTimeWarning1, 1, func(d, _ float64) bool { return d > 0 && d <= 1 }},
	{KindTimeExpired, 0, func(d, _ float64) bool { return d <= 0 }},
	{KindTrafficWarning5, 5, func(_, r float64) bool { return r > 1 && r <= 5 }},
	{KindTrafficWarning1, 1, func(_, r float64) bool { return r > 0 && r <= 1 }},
	{KindTrafficExhausted, 100, func(_, r float64) bool { return r <= 0 }},
}

// EvaluateThresholds проверяет все строки таблицы порогов для ключа.
// За один проход может сработать несколько порогов (например, и по
// времени, и по трафику). Возвращает число реально отправленных
// уведомлений.
func (n *Notifier) EvaluateThresholds(key *db.Key) (int, error) {
	daysLeft := time.Until(key.ExpiresAt).Hours() / 24
	remainingPct := 0.0
	if key.DataLimitBytes > 0 {
		remainingPct = float64(key.DataLimitBytes-key.DataUsedBytes) / float64(key.DataLimitBytes) * 100
	}
	sent := 0
	for _, t := range thresholds {
		if !t.match(daysLeft, remainingPct) {
			continue
		}
		ok, err := n.Notify(key, t.kind, t.value)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}
