package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML config at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":8080"
	}
	if c.Exchange.Symbol == "" {
		c.Exchange.Symbol = "BTCUSDT"
	}
	if c.Exchange.RESTBaseURL == "" {
		c.Exchange.RESTBaseURL = "https://api.binance.com"
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = 10
	}
	if c.Risk.RiskPerTradeBps == 0 {
		c.Risk.RiskPerTradeBps = 50
	}
	if c.Risk.DailyLossCapBps == 0 {
		c.Risk.DailyLossCapBps = 200
	}
	if c.Risk.MaxDrawdownBps == 0 {
		c.Risk.MaxDrawdownBps = 1000
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 1
	}
	if c.Paper.FeeBps == 0 {
		c.Paper.FeeBps = 10
	}
	if c.Paper.SlippageBps == 0 {
		c.Paper.SlippageBps = 5
	}
	if c.Feed.PollIntervalSeconds <= 0 {
		c.Feed.PollIntervalSeconds = 2
	}
	if c.Flatten.MaxAttempts <= 0 {
		c.Flatten.MaxAttempts = 5
	}
	if c.Flatten.InitialBackoffSeconds <= 0 {
		c.Flatten.InitialBackoffSeconds = 0.5
	}
	if c.Flatten.MaxBackoffSeconds <= 0 {
		c.Flatten.MaxBackoffSeconds = 8
	}
	if c.Flatten.AttemptTimeoutSeconds <= 0 {
		c.Flatten.AttemptTimeoutSeconds = 5
	}
	if c.Flatten.OrderType == "" {
		c.Flatten.OrderType = "market"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/audit.db"
	}
}

// applyEnvOverrides keeps the deployment contract of the original bot: risk
// limits and exchange credentials can be supplied through well-known
// environment variables which win over the file.
func applyEnvOverrides(c *Config) {
	overrideFloat("CAPITAL_BASE_USD", &c.Risk.CapitalBaseUSD)
	overrideFloat("RISK_PER_TRADE_BPS", &c.Risk.RiskPerTradeBps)
	overrideFloat("DAILY_LOSS_CAP_BPS", &c.Risk.DailyLossCapBps)
	overrideFloat("MAX_DRAWDOWN_BPS", &c.Risk.MaxDrawdownBps)
	overrideBool("ALLOW_LEVERAGE", &c.Risk.AllowLeverage)
	overrideFloat("MAX_LEVERAGE", &c.Risk.MaxLeverage)
	overrideFloat("FEE_BPS", &c.Paper.FeeBps)
	overrideFloat("SLIPPAGE_BPS", &c.Paper.SlippageBps)
	overrideString("BINANCE_TRADE_KEY", &c.Exchange.APIKey)
	overrideString("BINANCE_TRADE_SECRET", &c.Exchange.APISecret)
	overrideString("SYMBOL", &c.Exchange.Symbol)
	overrideString("TELEGRAM_BOT_TOKEN", &c.Notify.Telegram.BotToken)
	overrideString("TELEGRAM_CHAT_ID", &c.Notify.Telegram.ChatID)
}

func overrideString(name string, dst *string) {
	if val, ok := os.LookupEnv(name); ok && strings.TrimSpace(val) != "" {
		*dst = strings.TrimSpace(val)
	}
}

func overrideFloat(name string, dst *float64) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return
	}
	*dst = f
}

func overrideBool(name string, dst *bool) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		*dst = true
	case "0", "false", "no", "n", "off":
		*dst = false
	}
}
