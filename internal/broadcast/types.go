package broadcast

import "time"

// EventType 表示广播事件类型。
type EventType string

const (
	EventResearch       EventType = "research"
	EventSkipped        EventType = "skipped"
	EventRiskAlert      EventType = "risk_alert"
	EventExecution      EventType = "execution"
	EventPositionClosed EventType = "position_closed"
	EventQuote          EventType = "quote"
	EventEngine         EventType = "engine"
	EventAdmin          EventType = "admin"
)

// Event 封装通用广播事件。
type Event struct {
	Type      EventType   `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Sink 为广播接收方。Broadcast 必须是 fire-and-forget：
// 实现方只记录失败，绝不向调用方传播错误。
type Sink interface {
	Broadcast(event Event)
}

// NopSink 丢弃所有事件。
type NopSink struct{}

// Broadcast 实现 Sink。
func (NopSink) Broadcast(Event) {}

// MultiSink 将事件扇出到多个接收方。
type MultiSink []Sink

// Broadcast 实现 Sink。
func (m MultiSink) Broadcast(event Event) {
	for _, sink := range m {
		sink.Broadcast(event)
	}
}
