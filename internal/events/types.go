// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// Session lifecycle
	SessionEstablished EventType = "SESSION_ESTABLISHED"
	SessionEnded       EventType = "SESSION_ENDED"

	// Price feed lifecycle
	FeedConnected    EventType = "FEED_CONNECTED"
	FeedDisconnected EventType = "FEED_DISCONNECTED"
	PricesUpdated    EventType = "PRICES_UPDATED"

	// Rebalancing and execution
	PlanUpdated              EventType = "PLAN_UPDATED"
	TradeExecuted            EventType = "TRADE_EXECUTED"
	TradeFailed              EventType = "TRADE_FAILED"
	SettlementCompleted      EventType = "SETTLEMENT_COMPLETED"
	SettlementFailed         EventType = "SETTLEMENT_FAILED"
	HoldingsRefreshRequested EventType = "HOLDINGS_REFRESH_REQUESTED"

	// Generic errors
	ErrorOccurred EventType = "ERROR_OCCURRED"
)
