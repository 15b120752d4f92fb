// Package scheduler — периодические задачи бота поверх robfig/cron.
// Планировщик не содержит бизнес-логики и не ретраит: упавшая задача
// логируется и ждёт следующего тика.
package scheduler

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"outline-vpn-bot/internal/logger"
	"outline-vpn-bot/internal/services"
)

type Scheduler struct {
	cron      *cron.Cron
	lifecycle *services.Lifecycle
	payments  *services.Payments
	// digest шлёт админу сводку; период: "daily" | "weekly"
	digest func(period string)
}

func New(lifecycle *services.Lifecycle, payments *services.Payments, digest func(period string)) *Scheduler {
	return &Scheduler{cron: cron.New(), lifecycle: lifecycle, payments: payments, digest: digest}
}

// Start регистрирует задачи и запускает cron.
func (s *Scheduler) Start() {
	// Сверка трафика/сроков по всем активным ключам
	s.cron.AddFunc("@every 30m", func() {
		defer logger.NotifyOnPanic("sweep")
		if _, err := s.lifecycle.SweepAllActiveKeys(); err != nil {
			logger.Error("sweep failed, waiting for next tick", zap.Error(err))
		}
	})
	// Дообработка оплаченных, но не активированных покупок
	s.cron.AddFunc("@every 1h", func() {
		defer logger.NotifyOnPanic("recover_pending_activations")
		n, err := s.payments.RecoverPendingActivations()
		if err != nil {
			logger.Error("pending activation recovery failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("pending activations recovered", zap.Int("count", n))
		}
	})
	// Сводки админу (только чтение статистики)
	s.cron.AddFunc("0 9 * * *", func() {
		defer logger.NotifyOnPanic("daily_digest")
		s.digest("daily")
	})
	s.cron.AddFunc("0 9 * * 1", func() {
		defer logger.NotifyOnPanic("weekly_digest")
		s.digest("weekly")
	})
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop останавливает cron и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("scheduler stopped")
}
