package gateway

import (
	"container/list"
	"sync"
	"time"
)

const (
	replyTTL        = 5 * time.Minute
	replyCacheLimit = 1024
)

// replyCache remembers responses by idempotency key so a client retrying an
// agent.prompt after a dropped connection gets the first run's answer instead
// of a second run. Entries expire after ttl; beyond limit the oldest go first.
type replyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	limit   int
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type cachedReply struct {
	key       string
	response  RPCResponse
	expiresAt time.Time
}

func newReplyCache(ttl time.Duration, limit int) *replyCache {
	return &replyCache{
		ttl:     ttl,
		limit:   limit,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

func replyKey(method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return method + "\x00" + idempotencyKey
}

func (c *replyCache) get(key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	entry := elem.Value.(*cachedReply)
	if c.now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return entry.response.clone(), true
}

func (c *replyCache) put(key string, response RPCResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
	}
	c.entries[key] = c.order.PushBack(&cachedReply{
		key:       key,
		response:  response.clone(),
		expiresAt: now.Add(c.ttl),
	})

	for c.order.Len() > 0 {
		front := c.order.Front()
		entry := front.Value.(*cachedReply)
		if c.order.Len() <= c.limit && now.Before(entry.expiresAt) {
			break
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *replyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
