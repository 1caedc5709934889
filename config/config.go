package config

import (
	"errors"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	Env          string `env:"ENVIRONMENT" envDefault:"development"`
	ServerPort   int    `env:"SERVER_PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"bruinwatch.sqlite"`

	APIKey         string `env:"BACKEND_API_KEY"`
	SchedulerToken string `env:"SCHEDULER_TOKEN"`

	Mailgun struct {
		Domain      string `env:"MAILGUN_DOMAIN"`
		APIKey      string `env:"MAILGUN_API_KEY"`
		SenderFrom  string `env:"MAILGUN_SENDER_FROM"`
		TimeoutSecs int    `env:"MAILGUN_TIMEOUT_SECS" envDefault:"30"`
	}

	Twilio struct {
		AccountSID  string `env:"TWILIO_ACCOUNT_SID"`
		AuthToken   string `env:"TWILIO_AUTH_TOKEN"`
		FromNumber  string `env:"TWILIO_FROM_NUMBER"`
		TimeoutSecs int    `env:"TWILIO_TIMEOUT_SECS" envDefault:"30"`
	}

	Schedule struct {
		DefaultTerm        string `env:"DEFAULT_TERM" envDefault:"26S"`
		BaseURL            string `env:"SCHEDULE_BASE_URL" envDefault:"https://sa.ucla.edu/ro/public/soc/Results"`
		ProbeTimeoutSecs   int    `env:"PROBE_TIMEOUT_SECS" envDefault:"30"`
		MinIntervalSecs    int    `env:"MIN_INTERVAL_SECS" envDefault:"15"`
		LocalScheduler     bool   `env:"LOCAL_SCHEDULER_ENABLED" envDefault:"false"`
		LocalSchedulerSecs int    `env:"LOCAL_SCHEDULER_INTERVAL_SECS" envDefault:"60"`
		TickConcurrency    int    `env:"TICK_CONCURRENCY" envDefault:"5"`
	}

	RateLimit struct {
		PerSecond float64 `env:"RATE_LIMIT_PER_SEC" envDefault:"5"`
		Burst     int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
	}

	log *zap.Logger
}

func NewConfig(lc fx.Lifecycle, log *zap.Logger) *Config {
	cfg := &Config{log: log}
	env.Parse(cfg)

	if err := cfg.validate(); err != nil {
		if cfg.Env == "development" {
			cfg.log.Sugar().Infof("%s (auth will be disabled in development env)", err)
		} else {
			cfg.log.Sugar().Panic(err)
		}
	}

	return cfg
}

func (cfg *Config) validate() error {
	if cfg.APIKey == "" {
		return errors.New("BACKEND_API_KEY envvar must be populated")
	}
	if cfg.SchedulerToken == "" {
		return errors.New("SCHEDULER_TOKEN envvar must be populated")
	}
	return nil
}

// AuthEnabled reports whether the API key and scheduler token checks are
// enforced. Only ever false in development, when neither is configured.
func (cfg *Config) AuthEnabled() bool {
	return cfg.APIKey != "" || cfg.SchedulerToken != ""
}
