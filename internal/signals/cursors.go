package signals

import "sync"

// CursorTable remembers, per (conversation, topic), the last message id a
// successful wait returned, so repeated waits advance through the log.
// Lifetime is process-bound: a new process starts with no cursors.
type CursorTable struct {
	mu sync.Mutex
	m  map[string]string
}

func NewCursorTable() *CursorTable {
	return &CursorTable{m: make(map[string]string)}
}

func key(conversationID, topic string) string {
	return conversationID + "|" + topic
}

func (t *CursorTable) Get(conversationID, topic string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[key(conversationID, topic)]
}

func (t *CursorTable) Set(conversationID, topic, messageID string) {
	t.mu.Lock()
	t.m[key(conversationID, topic)] = messageID
	t.mu.Unlock()
}

// Reset drops every cursor. Test hook.
func (t *CursorTable) Reset() {
	t.mu.Lock()
	t.m = make(map[string]string)
	t.mu.Unlock()
}

// DefaultCursors is the process-wide table used when a Signaler is built
// without an explicit one.
var DefaultCursors = NewCursorTable()

// ResetCursorsForTesting clears the process-wide cursor table.
func ResetCursorsForTesting() { DefaultCursors.Reset() }
