// Package symbol normalizes trading pair notation to the exchange form.
package symbol

import "strings"

// Normalize converts any of "BTCUSDT", "btcusdt", "BTC-USDT", "BTC/USDT"
// into the Binance wire form "BTCUSDT". Whitespace is trimmed.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	return s
}
