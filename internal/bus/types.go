package bus

// InboundMessage represents a message received from a channel transport
// (Discord, WebSocket chat, webhook, etc.)
type InboundMessage struct {
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	Content    string            `json:"content"`
	SessionKey string            `json:"session_key"`
	UserID     string            `json:"user_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message to be delivered back to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side event broadcast to connected clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Well-known event names.
const (
	EventHeartbeatStream = "heartbeat_stream"
	EventHeartbeatAlert  = "heartbeat_alert"
	EventChat            = "chat"
)

// Broadcaster abstracts event fan-out so subsystems don't depend on the
// concrete gateway.
type Broadcaster interface {
	Broadcast(event Event)
}

// BroadcastFunc adapts a function to the Broadcaster interface.
type BroadcastFunc func(Event)

func (f BroadcastFunc) Broadcast(event Event) { f(event) }
