package config

import (
	"fmt"
	"strings"
)

// validate performs structural checks on the loaded config. Risk limit
// semantics (capital base, bps ranges, leverage policy) are validated again
// when the engine builds its immutable limits; a failure there keeps the
// session in Idle instead of aborting the process.
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Flatten.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("exchange.symbol cannot be empty")
	}
	if e.TimeoutSeconds <= 0 {
		return fmt.Errorf("exchange.timeout_seconds must be > 0")
	}
	return nil
}

func (f *FlattenConfig) validate() error {
	if f.MaxAttempts <= 0 {
		return fmt.Errorf("flatten.max_attempts must be > 0")
	}
	if f.InitialBackoffSeconds <= 0 {
		return fmt.Errorf("flatten.initial_backoff_seconds must be > 0")
	}
	if f.MaxBackoffSeconds < f.InitialBackoffSeconds {
		return fmt.Errorf("flatten.max_backoff_seconds must be >= initial_backoff_seconds")
	}
	switch f.OrderType {
	case "market", "limit":
	default:
		return fmt.Errorf("flatten.order_type must be market or limit, got %q", f.OrderType)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.BotToken) == "" {
			return fmt.Errorf("notify.telegram.bot_token required when telegram enabled")
		}
		if strings.TrimSpace(n.Telegram.ChatID) == "" {
			return fmt.Errorf("notify.telegram.chat_id required when telegram enabled")
		}
	}
	return nil
}
