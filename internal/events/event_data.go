package events

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// PricesUpdatedData contains data for PricesUpdated events
type PricesUpdatedData struct {
	Symbols   []string `json:"symbols"`
	Timestamp string   `json:"timestamp"`
}

// EventType returns the event type for PricesUpdatedData
func (d *PricesUpdatedData) EventType() EventType {
	return PricesUpdated
}

// FeedStatusData contains data for FeedConnected/FeedDisconnected events
type FeedStatusData struct {
	Connected bool `json:"connected"`
}

// EventType returns the event type for FeedStatusData
func (d *FeedStatusData) EventType() EventType {
	if d.Connected {
		return FeedConnected
	}
	return FeedDisconnected
}

// PlanUpdatedData contains data for PlanUpdated events
type PlanUpdatedData struct {
	PortfolioID int64  `json:"portfolio_id"`
	Generation  string `json:"generation"`
	Trades      int    `json:"trades"`
	Balanced    bool   `json:"balanced"`
}

// EventType returns the event type for PlanUpdatedData
func (d *PlanUpdatedData) EventType() EventType {
	return PlanUpdated
}

// TradeExecutedData contains data for TradeExecuted events
type TradeExecutedData struct {
	PortfolioID int64   `json:"portfolio_id"`
	HoldingID   int64   `json:"holding_id"`
	Symbol      string  `json:"symbol"`
	Action      string  `json:"action"`
	Shares      float64 `json:"shares"`
	Price       float64 `json:"price"`
	Index       int     `json:"index"`
	Generation  string  `json:"generation"`
}

// EventType returns the event type for TradeExecutedData
func (d *TradeExecutedData) EventType() EventType {
	return TradeExecuted
}

// SettlementData contains data for SettlementCompleted/SettlementFailed events
type SettlementData struct {
	PortfolioID int64   `json:"portfolio_id"`
	Amount      float64 `json:"amount"`
	Error       string  `json:"error,omitempty"`
}

// EventType returns the event type for SettlementData
func (d *SettlementData) EventType() EventType {
	if d.Error != "" {
		return SettlementFailed
	}
	return SettlementCompleted
}
