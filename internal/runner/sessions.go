package runner

import (
	"container/list"
	"sync"

	"github.com/nextlevelbuilder/agentmesh/internal/provider"
)

const defaultSessionCapacity = 128

// SessionCache keeps recent per-conversation chat history for the provider
// runner, bounded by capacity. Touching a conversation marks it most recently
// used; eviction removes the least recently touched entry.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type sessionEntry struct {
	conversationID string
	history        []provider.Message
}

func NewSessionCache(capacity int) *SessionCache {
	if capacity <= 0 {
		capacity = defaultSessionCapacity
	}
	return &SessionCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// History returns a copy of the conversation's history and marks it used.
func (c *SessionCache) History(conversationID string) []provider.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[conversationID]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	history := el.Value.(*sessionEntry).history
	out := make([]provider.Message, len(history))
	copy(out, history)
	return out
}

// Append adds turns to the conversation's history, creating the session if
// needed and evicting the least recently used one past capacity.
func (c *SessionCache) Append(conversationID string, msgs ...provider.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[conversationID]
	if !ok {
		el = c.ll.PushFront(&sessionEntry{conversationID: conversationID})
		c.items[conversationID] = el
		if c.ll.Len() > c.capacity {
			oldest := c.ll.Back()
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*sessionEntry).conversationID)
		}
	} else {
		c.ll.MoveToFront(el)
	}
	entry := el.Value.(*sessionEntry)
	entry.history = append(entry.history, msgs...)
}

// Len reports the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
