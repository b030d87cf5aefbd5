package config

// Config is the main configuration carrier for the bot.
type Config struct {
	App      AppConfig      `toml:"app"`
	Risk     RiskConfig     `toml:"risk"`
	Exchange ExchangeConfig `toml:"exchange"`
	Paper    PaperConfig    `toml:"paper"`
	Feed     FeedConfig     `toml:"feed"`
	Flatten  FlattenConfig  `toml:"flatten"`
	Store    StoreConfig    `toml:"store"`
	Notify   NotifyConfig   `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// RiskConfig holds the capital guardrails. All bps fields are basis points of
// the capital base and must stay inside [0, 10000]. The values are fixed for
// the process lifetime once loaded.
type RiskConfig struct {
	CapitalBaseUSD  float64 `toml:"capital_base_usd"`
	RiskPerTradeBps float64 `toml:"risk_per_trade_bps"`
	DailyLossCapBps float64 `toml:"daily_loss_cap_bps"`
	MaxDrawdownBps  float64 `toml:"max_drawdown_bps"`
	AllowLeverage   bool    `toml:"allow_leverage"`
	MaxLeverage     float64 `toml:"max_leverage"`
}

// ExchangeConfig describes the Binance execution client.
type ExchangeConfig struct {
	Symbol         string `toml:"symbol"`
	RESTBaseURL    string `toml:"rest_base_url"`
	APIKey         string `toml:"api_key"`
	APISecret      string `toml:"api_secret"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// PaperConfig controls fill simulation for paper sessions.
type PaperConfig struct {
	FeeBps      float64 `toml:"fee_bps"`
	SlippageBps float64 `toml:"slippage_bps"`
}

type FeedConfig struct {
	PollIntervalSeconds float64 `toml:"poll_interval_seconds"`
}

// FlattenConfig bounds the kill-switch flatten sequence. Attempts and backoff
// are deliberately configurable so the retry policy stays observable.
type FlattenConfig struct {
	MaxAttempts           int     `toml:"max_attempts"`
	InitialBackoffSeconds float64 `toml:"initial_backoff_seconds"`
	MaxBackoffSeconds     float64 `toml:"max_backoff_seconds"`
	AttemptTimeoutSeconds float64 `toml:"attempt_timeout_seconds"`
	OrderType             string  `toml:"order_type"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}
