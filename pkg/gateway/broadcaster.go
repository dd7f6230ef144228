package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/turnloop/pkg/agent"
)

// EventBroadcaster delivers server events to authenticated clients
type EventBroadcaster struct {
	clients *Registry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *Registry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends a typed stream event with sequence metadata.
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg = b.stamp(msg)
	jsonData, ok := b.marshal(msg)
	if !ok {
		return
	}

	clients := b.clients.All(true)
	if len(clients) == 0 {
		b.logger.Debug().
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("No authenticated clients to broadcast to")
		return
	}

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		if b.write(client, msg, jsonData) {
			successCount++
		} else {
			failureCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("stream", string(msg.Stream)).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

// BroadcastToClient sends an event to a single client. It reports whether the
// client was found and the write succeeded.
func (b *EventBroadcaster) BroadcastToClient(clientID string, msg EventMessage) bool {
	client, exists := b.clients.Get(clientID)
	if !exists || !client.Authenticated {
		return false
	}
	msg = b.stamp(msg)
	jsonData, ok := b.marshal(msg)
	if !ok {
		return false
	}
	return b.write(client, msg, jsonData)
}

// AgentEvent wraps an agent event for one session.
func AgentEvent(sessionKey string, event agent.Event) EventMessage {
	return EventMessage{
		Event:   string(event.Type),
		Stream:  streamFor(event.Type),
		Data:    event,
		RunID:   event.RunID,
		Session: sessionKey,
	}
}

func streamFor(t agent.EventType) StreamType {
	switch t {
	case agent.EventMessageStart, agent.EventMessageUpdate, agent.EventMessageEnd:
		return StreamTypeMessage
	case agent.EventToolExecutionStart, agent.EventToolExecutionUpdate, agent.EventToolExecutionEnd:
		return StreamTypeTool
	default:
		return StreamTypeLifecycle
	}
}

func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}

func (b *EventBroadcaster) marshal(msg EventMessage) ([]byte, bool) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return nil, false
	}
	return jsonData, true
}

func (b *EventBroadcaster) write(client *Client, msg EventMessage, data []byte) bool {
	if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
		b.logger.Warn().
			Err(err).
			Str("clientId", client.ID).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to deliver event")
		return false
	}
	return true
}
