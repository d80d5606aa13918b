package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env         string `mapstructure:"ENV"`
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	AdminKey    string `mapstructure:"ADMIN_KEY"`
	CORSAllowed string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	// External dependencies; an empty URL selects the in-process mock.
	MonitorURL   string `mapstructure:"MONITOR_URL"`
	SMSURL       string `mapstructure:"SMS_URL"`
	NotifyURL    string `mapstructure:"NOTIFY_URL"`
	GeneratorURL string `mapstructure:"GENERATOR_URL"`
	ManagerEmail string `mapstructure:"MANAGER_EMAIL"`

	AutoSendThreshold float64 `mapstructure:"AUTO_SEND_THRESHOLD"`
	ApprovalThreshold float64 `mapstructure:"APPROVAL_THRESHOLD"`

	MaxPlanWeeks      int     `mapstructure:"MAX_PLAN_WEEKS"`
	MinWeeklyPayment  float64 `mapstructure:"MIN_WEEKLY_PAYMENT"`
	MaxWeeklyPayment  float64 `mapstructure:"MAX_WEEKLY_PAYMENT"`
	CoverageTolerance float64 `mapstructure:"COVERAGE_TOLERANCE"`
	ShortPlanWeeks    int     `mapstructure:"SHORT_PLAN_WEEKS"`
	MaxStartDelayDays int     `mapstructure:"MAX_START_DELAY_DAYS"`

	SilenceThreshold time.Duration `mapstructure:"SILENCE_THRESHOLD"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`

	BreakerThreshold   uint32        `mapstructure:"BREAKER_THRESHOLD"`
	BreakerCooldown    time.Duration `mapstructure:"BREAKER_COOLDOWN"`
	RetryMaxAttempts   uint64        `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay     time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	AttemptTimeout     time.Duration `mapstructure:"ATTEMPT_TIMEOUT"`
	ProcessingDeadline time.Duration `mapstructure:"PROCESSING_DEADLINE"`

	HistoryLimit        int    `mapstructure:"HISTORY_LIMIT"`
	DuplicatePolicy     string `mapstructure:"DUPLICATE_POLICY"`
	MaxWorkflowRetries  int    `mapstructure:"MAX_WORKFLOW_RETRIES"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("MANAGER_EMAIL", "manager@example.com")

	v.SetDefault("AUTO_SEND_THRESHOLD", 0.85)
	v.SetDefault("APPROVAL_THRESHOLD", 0.60)

	v.SetDefault("MAX_PLAN_WEEKS", 12)
	v.SetDefault("MIN_WEEKLY_PAYMENT", 25.0)
	v.SetDefault("MAX_WEEKLY_PAYMENT", 1000.0)
	v.SetDefault("COVERAGE_TOLERANCE", 0.90)
	v.SetDefault("SHORT_PLAN_WEEKS", 4)
	v.SetDefault("MAX_START_DELAY_DAYS", 30)

	v.SetDefault("SILENCE_THRESHOLD", "36h")
	v.SetDefault("SWEEP_INTERVAL", "5m")

	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", "60s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("ATTEMPT_TIMEOUT", "10s")
	v.SetDefault("PROCESSING_DEADLINE", "30s")

	v.SetDefault("HISTORY_LIMIT", 20)
	v.SetDefault("DUPLICATE_POLICY", "attach")
	v.SetDefault("MAX_WORKFLOW_RETRIES", 3)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
