package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Call         CallConfig         `mapstructure:"call"`
	Notification NotificationConfig `mapstructure:"notification"`
	RTC          RTCConfig          `mapstructure:"rtc"`
	Push         PushConfig         `mapstructure:"push"`
	Email        EmailConfig        `mapstructure:"email"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret" validate:"required"`
}

// CallConfig carries the session state machine tunables. JoinLead and Grace
// are clamped to 1-30 minutes on load so a bad config file cannot lock every
// session open or closed.
type CallConfig struct {
	JoinLead         time.Duration `mapstructure:"join_lead"`
	Grace            time.Duration `mapstructure:"grace"`
	MinViableCall    time.Duration `mapstructure:"min_viable_call"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type NotificationConfig struct {
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
	ReminderLead     time.Duration `mapstructure:"reminder_lead"`
	WarningThreshold time.Duration `mapstructure:"warning_threshold"`
}

type RTCConfig struct {
	TokenSecret string        `mapstructure:"token_secret" validate:"required"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

type PushConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	ServerKey string        `mapstructure:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	Enabled  bool   `mapstructure:"enabled"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

const (
	minWindow = time.Minute
	maxWindow = 30 * time.Minute
)

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	config.Call.JoinLead = clampWindow(config.Call.JoinLead)
	config.Call.Grace = clampWindow(config.Call.Grace)

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("call.join_lead", 5*time.Minute)
	viper.SetDefault("call.grace", 10*time.Minute)
	viper.SetDefault("call.min_viable_call", 30*time.Second)
	viper.SetDefault("call.heartbeat_timeout", 90*time.Second)
	viper.SetDefault("notification.dedup_window", time.Minute)
	viper.SetDefault("notification.reminder_lead", 15*time.Minute)
	viper.SetDefault("notification.warning_threshold", 5*time.Minute)
	viper.SetDefault("rtc.token_ttl", time.Hour)
	viper.SetDefault("push.timeout", 5*time.Second)
	viper.SetDefault("scheduler.sweep_interval", time.Minute)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.pretty", false)
}

func clampWindow(d time.Duration) time.Duration {
	if d < minWindow {
		return minWindow
	}
	if d > maxWindow {
		return maxWindow
	}
	return d
}
