package config

import (
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// AppConfig собирает все настройки бота из переменных окружения.
type AppConfig struct {
	BotToken        string `env:"BOT_TOKEN" env-required:"true"`
	AdminTelegramID int64  `env:"ADMIN_TELEGRAM_ID" env-required:"true"`

	// DBDriver: sqlite | postgres | supabase
	DBDriver    string `env:"DB_DRIVER" env-default:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL" env-default:"vpnbot.db"`

	OutlineAPIURL      string        `env:"OUTLINE_API_URL" env-required:"true"`
	OutlineInsecureTLS bool          `env:"OUTLINE_INSECURE_TLS" env-default:"true"`
	OutlineTimeout     time.Duration `env:"OUTLINE_TIMEOUT" env-default:"15s"`

	ActivationMaxAttempts int     `env:"ACTIVATION_MAX_ATTEMPTS" env-default:"3"`
	ReferralCommission    float64 `env:"REFERRAL_COMMISSION" env-default:"0.1"`
	ReferralMaturityDays  int     `env:"REFERRAL_MATURITY_DAYS" env-default:"7"`

	HTTPAddr string `env:"HTTP_ADDR" env-default:":8080"`
}

var AppCfg AppConfig

// LoadConfig читает .env (если есть) и заполняет AppCfg из окружения.
// Отсутствие обязательных переменных — фатальная ошибка запуска.
func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	if err := cleanenv.ReadEnv(&AppCfg); err != nil {
		log.Fatalf("Critical environment variables are missing: %v. Bot will exit.", err)
	}
}
