package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outline-vpn-bot/config"
	"outline-vpn-bot/internal/admin"
	"outline-vpn-bot/internal/bot"
	"outline-vpn-bot/internal/db"
	"outline-vpn-bot/internal/logger"
	"outline-vpn-bot/internal/outline"
	"outline-vpn-bot/internal/scheduler"
	"outline-vpn-bot/internal/services"
)

func main() {
	config.LoadConfig()
	cfg := config.AppCfg

	store, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	botapi, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}
	logger.InitNotifier(botapi, cfg.AdminTelegramID)

	vpn := outline.NewClient(cfg.OutlineAPIURL, cfg.OutlineInsecureTLS, cfg.OutlineTimeout)
	sender := bot.NewTelegramSender(botapi)

	notifier := services.NewNotifier(store, sender)
	lifecycle := services.NewLifecycle(store, vpn, notifier)
	referrals := services.NewReferrals(store, cfg.ReferralCommission, cfg.ReferralMaturityDays)
	payments := services.NewPayments(store, vpn, lifecycle, referrals, sender, cfg.ActivationMaxAttempts)
	adminHandler := admin.NewHandler(store, lifecycle, payments, cfg.AdminTelegramID)

	sched := scheduler.New(lifecycle, payments, func(period string) {
		adminHandler.SendDigest(botapi, period)
	})
	sched.Start()
	defer sched.Stop()

	// health + метрики на одном порту
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// graceful stop: по сигналу закрываем канал апдейтов, polling-цикл
	// завершается и процесс выходит с кодом 0
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		botapi.StopReceivingUpdates()
	}()

	b := bot.New(botapi, store, payments, referrals, adminHandler, cfg.AdminTelegramID)
	b.StartPolling()
}
