package events

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventSignal             Event = "strategy.signal"
	EventRiskBlocked        Event = "risk.blocked"
	EventRiskAlert          Event = "risk.alert"
	EventOverlayChanged     Event = "risk.overlay_changed"
	EventOrderSubmitted     Event = "order.submitted"
	EventOrderRejected      Event = "order.rejected"
	EventOrderFilled        Event = "order.filled"
	EventPositionTransition Event = "position.transition"
	EventStopTriggered      Event = "position.stop_triggered"
	EventReconciliation     Event = "reconciliation.completed"
	EventMarketUpdated      Event = "market.updated"
)

// Blocked is published when an intent is refused by a gate.
type Blocked struct {
	Symbol    string `json:"symbol"`
	Action    string `json:"action"`
	Component string `json:"component"`
	Gate      string `json:"gate"`
	Reason    string `json:"reason"`
}

// Alert is a free-form operator notice.
type Alert struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
