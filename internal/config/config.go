package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Broker     Broker     `mapstructure:"broker"`
	MarketData MarketData `mapstructure:"market_data"`
	Risk       Risk       `mapstructure:"risk"`
	Monitor    Monitor    `mapstructure:"monitor"`
	Trading    Trading    `mapstructure:"trading"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Broker holds the configuration for the brokerage API adapter.
type Broker struct {
	Provider       string  `mapstructure:"provider"`
	BaseURL        string  `mapstructure:"base_url"`
	AccountHash    string  `mapstructure:"account_hash"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// MarketData holds the configuration for the quote provider.
type MarketData struct {
	BaseURL            string `mapstructure:"base_url"`
	MaxQuoteAgeSeconds int    `mapstructure:"max_quote_age_seconds"`
}

// Risk holds fallback limits used when seeding a new user's risk config.
type Risk struct {
	DefaultMaxPositionValue    float64 `mapstructure:"default_max_position_value"`
	DefaultMaxConcentrationPct float64 `mapstructure:"default_max_concentration_pct"`
	DefaultMaxDailyTrades      int     `mapstructure:"default_max_daily_trades"`
}

// Monitor holds the configuration for the stop-loss sentinel.
type Monitor struct {
	IntervalSeconds   int `mapstructure:"interval_seconds"`
	EscalationCeiling int `mapstructure:"escalation_ceiling"`
}

// Trading holds the configuration for the trading core.
type Trading struct {
	DryRun  bool `mapstructure:"dry_run"`
	ApiPort int  `mapstructure:"api_port"`
}

// Server holds the configuration for the reporting web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("broker.timeout_seconds", 30)
	viper.SetDefault("broker.max_retries", 3)
	viper.SetDefault("broker.rate_limit", 20)      // requests per second
	viper.SetDefault("broker.rate_limit_burst", 5) // burst size
	viper.SetDefault("market_data.max_quote_age_seconds", 60)
	viper.SetDefault("risk.default_max_position_value", 10000)
	viper.SetDefault("risk.default_max_concentration_pct", 25)
	viper.SetDefault("risk.default_max_daily_trades", 20)
	viper.SetDefault("monitor.interval_seconds", 60)
	viper.SetDefault("monitor.escalation_ceiling", 5)
	viper.SetDefault("trading.api_port", 8081)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
