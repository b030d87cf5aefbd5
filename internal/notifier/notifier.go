package notifier

// TextNotifier is a minimal text notification interface. It is intentionally
// small so components can depend on it without importing a concrete
// transport.
type TextNotifier interface {
	SendText(text string) error
}
