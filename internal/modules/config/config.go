package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"bot_engine/internal/models"

	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"
	venueAPIKeyENV    = "VENUE_API_KEY"
	venueAPISecretENV = "VENUE_API_SECRET"
)

// Duration — time.Duration, который понимает строки вида "15s" в yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config ...
type Config struct {
	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
	DB string `yaml:"db_dsn"`

	Feed struct {
		URL      string   `yaml:"url"`
		Interval string   `yaml:"interval"`
		Pairs    []string `yaml:"pairs"`
	} `yaml:"feed"`

	Venue struct {
		URL       string   `yaml:"url"`
		APIKey    string   `yaml:"api_key"`
		APISecret string   `yaml:"api_secret"`
		Timeout   Duration `yaml:"timeout"`
	} `yaml:"venue"`

	Tracing struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"tracing"`

	// Дефолты риск-политики новых сессий; сессия может переопределить
	// любое поле через reconfigure.
	DefaultMaxConcurrentTrades int     `yaml:"max_concurrent_trades"`
	DefaultMaxDailyTrades      int     `yaml:"max_daily_trades"`
	DefaultMaxExposurePct      float64 `yaml:"max_exposure_pct"`
	DefaultSlippageBps         int     `yaml:"slippage_bps"`
	DefaultGasMaxGwei          float64 `yaml:"gas_max_gwei"`
	DefaultGasGwei             float64 `yaml:"gas_gwei"`

	DefaultMaxRetries         int      `yaml:"max_retries"`
	DefaultRetryDelay         Duration `yaml:"retry_delay"`
	DefaultExecutionTimeout   Duration `yaml:"execution_timeout"`
	DefaultTransactionTimeout Duration `yaml:"transaction_timeout"`

	DefaultInterval Duration `yaml:"tick_interval"`
	DefaultNetwork  string   `yaml:"network"`
}

// ExecutionDefaults — риск-политика процесса; менеджер подставляет её
// в поля сессии, которые не заданы явно.
func (c *Config) ExecutionDefaults() models.BotExecutionConfig {
	return models.BotExecutionConfig{
		MaxConcurrentTrades: c.DefaultMaxConcurrentTrades,
		MaxDailyTrades:      c.DefaultMaxDailyTrades,
		MaxExposurePct:      c.DefaultMaxExposurePct,
		SlippageBps:         c.DefaultSlippageBps,
		Gas: models.GasPolicy{
			UseDefault: true,
			Multiplier: 1,
			MaxGwei:    c.DefaultGasMaxGwei,
		},
		MaxRetries:         c.DefaultMaxRetries,
		RetryDelay:         time.Duration(c.DefaultRetryDelay),
		ExecutionTimeout:   time.Duration(c.DefaultExecutionTimeout),
		TransactionTimeout: time.Duration(c.DefaultTransactionTimeout),
		Interval:           time.Duration(c.DefaultInterval),
		Network:            c.DefaultNetwork,
	}
}

func NewConfig() (*Config, error) {
	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	file, err := os.Open("configs/" + configFileName)
	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}

	defer func() {
		_ = file.Close()
	}()

	decoder := yaml.NewDecoder(file)
	config := Config{
		DefaultMaxConcurrentTrades: intFromEnv("MAX_CONCURRENT_TRADES", 3),
		DefaultMaxDailyTrades:      intFromEnv("MAX_DAILY_TRADES", 10),
		DefaultMaxExposurePct:      floatFromEnv("MAX_EXPOSURE_PCT", 50),
		DefaultSlippageBps:         intFromEnv("SLIPPAGE_BPS", 50),
		DefaultGasMaxGwei:          floatFromEnv("GAS_MAX_GWEI", 150),
		DefaultGasGwei:             floatFromEnv("GAS_GWEI", 20),

		DefaultMaxRetries:         intFromEnv("MAX_RETRIES", 3),
		DefaultRetryDelay:         Duration(durationFromEnv("RETRY_DELAY", "2s")),
		DefaultExecutionTimeout:   Duration(durationFromEnv("EXECUTION_TIMEOUT", "30s")),
		DefaultTransactionTimeout: Duration(durationFromEnv("TRANSACTION_TIMEOUT", "15s")),

		DefaultInterval: Duration(durationFromEnv("TICK_INTERVAL", "1m")),
		DefaultNetwork:  getenvDefault("NETWORK", "ethereum"),
	}
	err = decoder.Decode(&config)
	if err != nil {
		log.Fatalf("Failed to decode config file: %v", err)
	}

	if token := os.Getenv(tokenTelegramENV); token != "" {
		config.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		config.DB = dsn
	}
	if key := os.Getenv(venueAPIKeyENV); key != "" {
		config.Venue.APIKey = key
	}
	if secret := os.Getenv(venueAPISecretENV); secret != "" {
		config.Venue.APISecret = secret
	}

	if config.Feed.Interval == "" {
		config.Feed.Interval = "1m"
	}
	if config.Venue.Timeout <= 0 {
		config.Venue.Timeout = config.DefaultTransactionTimeout
	}

	return &config, nil
}

func intFromEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func floatFromEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationFromEnv(key, def string) time.Duration {
	val := getenvDefault(key, def)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
