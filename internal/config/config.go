package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Analysis Analysis `mapstructure:"analysis"`
	Trading  Trading  `mapstructure:"trading"`
	Channel  Channel  `mapstructure:"channel"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
}

// Analysis holds the configuration for the external analysis service.
type Analysis struct {
	BaseURL        string  `mapstructure:"base_url"`
	ApiKey         string  `mapstructure:"apiKey"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Channel holds the configuration for the signal channel shared with the
// execution terminal.
type Channel struct {
	Dir                    string `mapstructure:"dir"`
	StatusIntervalSeconds  int    `mapstructure:"status_interval_seconds"`
	StalenessFactor        int    `mapstructure:"staleness_factor"`
	PublishRetryAttempts   int    `mapstructure:"publish_retry_attempts"`
	PublishRetryBaseMillis int    `mapstructure:"publish_retry_base_millis"`
}

// Server holds the configuration for the status API.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Instrument describes the venue's quoting and lot conventions for one
// tradable symbol. Pip value is parameterized per instrument rather than
// assumed constant across the account.
type Instrument struct {
	Symbol         string  `mapstructure:"symbol"`
	PipSize        float64 `mapstructure:"pip_size"`
	PipValuePerLot float64 `mapstructure:"pip_value_per_lot"`
	MinLot         float64 `mapstructure:"min_lot"`
	MaxLot         float64 `mapstructure:"max_lot"`
	LotStep        float64 `mapstructure:"lot_step"`
	MinStopPips    float64 `mapstructure:"min_stop_pips"`
}

// Trading holds the configuration for the decision pipeline.
type Trading struct {
	Instruments             []Instrument `mapstructure:"instruments"`
	MagicNumber             int64        `mapstructure:"magic_number"`
	RiskPercentage          float64      `mapstructure:"risk_percentage"`
	DailyRiskCeilingPct     float64      `mapstructure:"daily_risk_ceiling_pct"`
	MinRewardRisk           float64      `mapstructure:"min_reward_risk"`
	TickInterval            int          `mapstructure:"tick_interval"`
	AnalysisIntervalSeconds int          `mapstructure:"analysis_interval_seconds"`
	OpenTimeoutSeconds      int          `mapstructure:"open_timeout_seconds"`
	IdeaTTLMinutes          int          `mapstructure:"idea_ttl_minutes"`
	DryRun                  bool         `mapstructure:"dry_run"`
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
	viper.SetDefault("analysis.timeout_seconds", 30)
	viper.SetDefault("analysis.rate_limit", 1) // requests per second
	viper.SetDefault("analysis.rate_limit_burst", 1)
	viper.SetDefault("channel.status_interval_seconds", 5)
	viper.SetDefault("channel.staleness_factor", 2)
	viper.SetDefault("channel.publish_retry_attempts", 3)
	viper.SetDefault("channel.publish_retry_base_millis", 500)
	viper.SetDefault("trading.magic_number", 123456)
	viper.SetDefault("trading.risk_percentage", 1.0)
	viper.SetDefault("trading.daily_risk_ceiling_pct", 5.0)
	viper.SetDefault("trading.min_reward_risk", 1.0)
	viper.SetDefault("trading.tick_interval", 5)
	viper.SetDefault("trading.analysis_interval_seconds", 300)
	viper.SetDefault("trading.open_timeout_seconds", 30)
	viper.SetDefault("trading.idea_ttl_minutes", 60)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	err = config.Validate()
	return
}

// Validate checks the parameters the pipeline cannot run without. A
// violation here is fatal at startup, not recoverable at runtime.
func (c *Config) Validate() error {
	if len(c.Trading.Instruments) == 0 {
		return fmt.Errorf("config: no instruments configured")
	}
	for _, inst := range c.Trading.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("config: instrument with empty symbol")
		}
		if inst.PipSize <= 0 || inst.PipValuePerLot <= 0 {
			return fmt.Errorf("config: instrument %s needs positive pip_size and pip_value_per_lot", inst.Symbol)
		}
		if inst.LotStep <= 0 || inst.MinLot <= 0 || inst.MaxLot < inst.MinLot {
			return fmt.Errorf("config: instrument %s has invalid lot constraints", inst.Symbol)
		}
	}
	if c.Trading.RiskPercentage <= 0 {
		return fmt.Errorf("config: risk_percentage must be positive")
	}
	if c.Trading.DailyRiskCeilingPct <= 0 {
		return fmt.Errorf("config: daily_risk_ceiling_pct must be positive")
	}
	if c.Trading.MinRewardRisk <= 0 {
		return fmt.Errorf("config: min_reward_risk must be positive")
	}
	if c.Channel.Dir == "" {
		return fmt.Errorf("config: channel.dir must be set")
	}
	return nil
}

// InstrumentBySymbol looks up the venue parameters for a symbol.
func (c *Config) InstrumentBySymbol(symbol string) (Instrument, bool) {
	for _, inst := range c.Trading.Instruments {
		if inst.Symbol == symbol {
			return inst, true
		}
	}
	return Instrument{}, false
}
