package events

// Event enumerates high-level topics inside the orchestrator.
type Event string

const (
	EventStrategyAdded   Event = "strategy.added"
	EventStrategyUpdated Event = "strategy.updated"
	EventStrategyRemoved Event = "strategy.removed"
	EventOrderPlaced     Event = "order.placed"
	EventOrderBlocked    Event = "order.blocked"
	EventRiskAlert       Event = "risk.alert"
	EventPositionSync    Event = "position.sync"
)
