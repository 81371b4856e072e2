package events

import "time"

// --- Event type constants ---

// Dotted prefixes keep event names globally unique per context.
const (
	// Message flow events
	MessageReceived = "message.received"
	MessageSend     = "message.send"
	MessageSent     = "message.sent"
	MessageFailed   = "message.failed"

	// AI responder events
	AIThinking = "ai.thinking"
	AIResponse = "ai.response"
	AIError    = "ai.error"

	// Channel lifecycle events
	ChannelConnected    = "channel.connected"
	ChannelDisconnected = "channel.disconnected"
	ChannelError        = "channel.error"

	// Plugin lifecycle events
	PluginLoaded   = "plugin.loaded"
	PluginUnloaded = "plugin.unloaded"
	PluginReloaded = "plugin.reloaded"
	PluginError    = "plugin.error"

	// Scheduler events
	CronJobTriggered = "cron.job.triggered"
	CronJobFailed    = "cron.job.failed"

	// System-level events
	SystemStartup  = "system.startup"
	SystemShutdown = "system.shutdown"
	SystemHealth   = "system.health"
)

// AllTypes returns every built-in event type. Consumers that want the whole
// stream (archive, firehose) register for each of these.
func AllTypes() []string {
	return []string{
		MessageReceived, MessageSend, MessageSent, MessageFailed,
		AIThinking, AIResponse, AIError,
		ChannelConnected, ChannelDisconnected, ChannelError,
		PluginLoaded, PluginUnloaded, PluginReloaded, PluginError,
		CronJobTriggered, CronJobFailed,
		SystemStartup, SystemShutdown, SystemHealth,
	}
}

// --- Typed payloads ---

// InboundMessage is the payload shape for message.received events.
type InboundMessage struct {
	Channel  string    `json:"channel"`
	SenderID string    `json:"sender_id"`
	ChatID   string    `json:"chat_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// OutboundMessage is the payload shape for message.send events. Channel
// selects which channel plugin delivers it.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// AIResponsePayload is the payload shape for ai.response events.
type AIResponsePayload struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Content    string `json:"content"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// CronJobPayload is the payload shape for cron.job.* events.
type CronJobPayload struct {
	Job     string `json:"job"`
	Expr    string `json:"expr"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Payload keys used when typed payloads travel in the generic payload map.
const (
	KeyChannel  = "channel"
	KeySenderID = "sender_id"
	KeyChatID   = "chat_id"
	KeyContent  = "content"
	KeyProvider = "provider"
	KeyModel    = "model"
	KeyJob      = "job"
	KeyError    = "error"
)

// NewInbound wraps an inbound chat message in a message.received event.
func NewInbound(msg InboundMessage) *Event {
	e := New(MessageReceived, map[string]interface{}{
		KeyChannel:  msg.Channel,
		KeySenderID: msg.SenderID,
		KeyChatID:   msg.ChatID,
		KeyContent:  msg.Content,
	})
	e.UserID = msg.SenderID
	e.ConversationID = msg.ChatID
	return e
}

// NewOutbound wraps an outbound chat message in a message.send event.
func NewOutbound(msg OutboundMessage) *Event {
	e := New(MessageSend, map[string]interface{}{
		KeyChannel: msg.Channel,
		KeyChatID:  msg.ChatID,
		KeyContent: msg.Content,
	})
	e.ConversationID = msg.ChatID
	return e
}

// InboundFromEvent extracts an InboundMessage from a message.received event.
func InboundFromEvent(e *Event) InboundMessage {
	return InboundMessage{
		Channel:  e.PayloadString(KeyChannel),
		SenderID: e.PayloadString(KeySenderID),
		ChatID:   e.PayloadString(KeyChatID),
		Content:  e.PayloadString(KeyContent),
		SentAt:   e.CreatedAt,
	}
}

// OutboundFromEvent extracts an OutboundMessage from a message.send event.
func OutboundFromEvent(e *Event) OutboundMessage {
	return OutboundMessage{
		Channel: e.PayloadString(KeyChannel),
		ChatID:  e.PayloadString(KeyChatID),
		Content: e.PayloadString(KeyContent),
	}
}
