// Package plans содержит статический каталог тарифов.
// Тарифы не хранятся в БД — разрешаются по ID из этой таблицы.
package plans

import (
	"errors"
	"time"
)

var ErrPlanNotFound = errors.New("plan not found")

const GB = 1024 * 1024 * 1024

// Plan описывает покупаемый тариф: лимит трафика, срок и цена в Stars.
type Plan struct {
	ID             string
	Name           string
	DataLimitBytes int64
	DurationDays   int
	PriceStars     int
	Hidden         bool
}

// TestPlanID — служебный тариф для проверки оплаты, скрыт из каталога.
const TestPlanID = "test"

var catalog = []Plan{
	{ID: "month_30gb", Name: "30 ГБ / 30 дней", DataLimitBytes: 30 * GB, DurationDays: 30, PriceStars: 150},
	{ID: "month_100gb", Name: "100 ГБ / 30 дней", DataLimitBytes: 100 * GB, DurationDays: 30, PriceStars: 300},
	{ID: "quarter_100gb", Name: "100 ГБ / 90 дней", DataLimitBytes: 100 * GB, DurationDays: 90, PriceStars: 750},
	{ID: "year_500gb", Name: "500 ГБ / 365 дней", DataLimitBytes: 500 * GB, DurationDays: 365, PriceStars: 2500},
	{ID: TestPlanID, Name: "Тестовый тариф", DataLimitBytes: 100 * 1024 * 1024, DurationDays: 1, PriceStars: 1, Hidden: true},
}

// Resolve возвращает тариф по ID.
func Resolve(planID string) (Plan, error) {
	for _, p := range catalog {
		if p.ID == planID {
			return p, nil
		}
	}
	return Plan{}, ErrPlanNotFound
}

// List возвращает каталог. Скрытые тарифы попадают в выдачу только
// при includeHidden = true.
func List(includeHidden bool) []Plan {
	out := make([]Plan, 0, len(catalog))
	for _, p := range catalog {
		if p.Hidden && !includeHidden {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ExpiryDate считает дату окончания тарифа от заданного момента.
func ExpiryDate(p Plan, from time.Time) time.Time {
	return from.AddDate(0, 0, p.DurationDays)
}
