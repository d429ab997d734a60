package dlq

// AlertRule fires when a queue's live message count crosses a threshold.
// Rules are evaluated on every capture; CooldownMs suppresses repeat firing.
type AlertRule struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Queue           string `json:"queue"`
	Threshold       int    `json:"threshold"`
	CooldownMs      int64  `json:"cooldown_ms"`
	Triggered       uint64 `json:"triggered"`
	LastTriggeredMs int64  `json:"last_triggered_ms,omitempty"`
}

// Notifier receives alert firings. Implementations must not block; the
// manager calls it while holding its lock.
type Notifier interface {
	Notify(rule *AlertRule, q *Queue)
}

// NopNotifier drops all alerts.
type NopNotifier struct{}

func (NopNotifier) Notify(*AlertRule, *Queue) {}
