package agent

import (
	"fmt"
	"sync"

	"github.com/harun/turnloop/pkg/agentctx"
)

// QueueMode controls how many queued messages a single drain delivers.
type QueueMode string

const (
	QueueOneAtATime QueueMode = "one-at-a-time"
	QueueAll        QueueMode = "all"
)

// ParseQueueMode validates a configured mode. An empty string selects
// QueueOneAtATime.
func ParseQueueMode(s string) (QueueMode, error) {
	switch QueueMode(s) {
	case "", QueueOneAtATime:
		return QueueOneAtATime, nil
	case QueueAll:
		return QueueAll, nil
	default:
		return "", fmt.Errorf("unknown queue mode %q", s)
	}
}

// MessageQueue holds messages waiting to be delivered into a run.
type MessageQueue struct {
	mu    sync.Mutex
	mode  QueueMode
	items []agentctx.AgentMessage
}

// NewMessageQueue creates an empty queue.
func NewMessageQueue(mode QueueMode) *MessageQueue {
	if mode == "" {
		mode = QueueOneAtATime
	}
	return &MessageQueue{mode: mode}
}

// Push appends messages.
func (q *MessageQueue) Push(msgs ...agentctx.AgentMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msgs...)
}

// Drain removes and returns the next message, or all of them in QueueAll mode.
func (q *MessageQueue) Drain() []agentctx.AgentMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	n := 1
	if q.mode == QueueAll {
		n = len(q.items)
	}
	out := append([]agentctx.AgentMessage(nil), q.items[:n]...)
	q.items = q.items[n:]
	return out
}

// Clear drops every queued message and returns them.
func (q *MessageQueue) Clear() []agentctx.AgentMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MessageQueue) Mode() QueueMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

func (q *MessageQueue) SetMode(mode QueueMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = mode
}
