package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "pair-rebalancer"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	CORSAllowedOrigins      []string                  `mapstructure:"cors_allowed_origins"`
	Port                    map[string]string         `mapstructure:"port"`
	Exchanges               map[string]ExchangeConfig `mapstructure:"exchanges"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Rebalancer              RebalancerConfig          `mapstructure:"rebalancer"`
}

// RebalancerConfig holds the defaults used when a session is started without
// explicit parameters, plus the loop tuning knobs.
type RebalancerConfig struct {
	Ticker           string          `mapstructure:"ticker"`
	Ratio            decimal.Decimal `mapstructure:"ratio"`       // fraction of base balance per leg, e.g. 0.1
	PriceRatio       decimal.Decimal `mapstructure:"price_ratio"` // offset from current price, e.g. 0.05
	TermHours        int             `mapstructure:"term_hours"`
	FailureBackoff   time.Duration   `mapstructure:"failure_backoff"`
	MinOrderNotional decimal.Decimal `mapstructure:"min_order_notional"` // in quote currency
	LogBufferSize    int             `mapstructure:"log_buffer_size"`
	LockTTL          time.Duration   `mapstructure:"lock_ttl"`
}

type APIKeyConfig struct {
	Name      string `mapstructure:"name"`
	Key       string `mapstructure:"key"`
	Active    bool   `mapstructure:"active"`
	ExpiredAt any    `mapstructure:"expired_at"`
}

type NatsJetstreamConfig struct {
	URL             string        `mapstructure:"url"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite3
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type ExchangeConfig struct {
	Name      string        `mapstructure:"name"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	APISecret string        `mapstructure:"api_secret"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	// .env is optional; values there only feed the env overrides below.
	_ = godotenv.Load()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	setDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env, viper.DecodeHook(decimalDecodeHook()))
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}

func setDefaults() {
	viper.SetDefault("env", "development")
	viper.SetDefault("log.log_level", "info")
	viper.SetDefault("graceful_shutdown_timeout", 10*time.Second)
	viper.SetDefault("rebalancer.ratio", "0.05")
	viper.SetDefault("rebalancer.price_ratio", "0.03")
	viper.SetDefault("rebalancer.term_hours", 1)
	viper.SetDefault("rebalancer.failure_backoff", 10*time.Second)
	viper.SetDefault("rebalancer.min_order_notional", "5000")
	viper.SetDefault("rebalancer.log_buffer_size", 512)
	viper.SetDefault("rebalancer.lock_ttl", 30*time.Second)
	viper.SetDefault("exchanges.upbit.name", "upbit")
	viper.SetDefault("exchanges.upbit.base_url", "https://api.upbit.com")
	viper.SetDefault("exchanges.upbit.timeout", 15*time.Second)
	// explicit binding so the secrets can live only in the environment / .env
	_ = viper.BindEnv("exchanges.upbit.api_key", "UPBIT_ACCESS_KEY")
	_ = viper.BindEnv("exchanges.upbit.api_secret", "UPBIT_SECRET_KEY")
}
