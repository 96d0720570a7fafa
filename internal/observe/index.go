// Package observe maintains a small read-model of traffic for the gateway's
// observer endpoints: which conversations exist, which agents are addressed,
// and who talks to whom inside a conversation.
package observe

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/agentmesh/internal/model"
)

// Index records envelope traffic in sqlite. A nil *Index is valid and makes
// every method a no-op returning empty structures.
type Index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender          TEXT NOT NULL,
	recipient       TEXT NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
`

// Open creates or opens the index database. Use ":memory:" for tests.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("observe: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("observe: init schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (x *Index) Close() error {
	if x == nil {
		return nil
	}
	return x.db.Close()
}

// RecordSend indexes one accepted envelope. Failures are returned for the
// caller to log; they must not fail the send.
func (x *Index) RecordSend(env *model.Envelope) error {
	if x == nil {
		return nil
	}
	_, err := x.db.Exec(
		`INSERT OR IGNORE INTO messages (id, conversation_id, sender, recipient, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		env.ID, env.ConversationID, env.Sender, env.Recipient, env.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("observe: record send: %w", err)
	}
	return nil
}

// ConversationSummary is one row of the /conversations view.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Messages       int64     `json:"messages"`
	LastSender     string    `json:"last_sender"`
	LastRecipient  string    `json:"last_recipient"`
	LastSeen       time.Time `json:"last_seen"`
}

// Conversations lists known conversations, most recent first.
func (x *Index) Conversations() ([]ConversationSummary, error) {
	if x == nil {
		return []ConversationSummary{}, nil
	}
	rows, err := x.db.Query(`
		SELECT m.conversation_id, COUNT(*), l.sender, l.recipient, MAX(m.created_at)
		FROM messages m
		JOIN messages l ON l.id = (
			SELECT id FROM messages
			WHERE conversation_id = m.conversation_id
			ORDER BY created_at DESC LIMIT 1
		)
		GROUP BY m.conversation_id
		ORDER BY MAX(m.created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("observe: conversations: %w", err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		var c ConversationSummary
		var lastSeen int64
		if err := rows.Scan(&c.ConversationID, &c.Messages, &c.LastSender, &c.LastRecipient, &lastSeen); err != nil {
			return nil, fmt.Errorf("observe: scan conversation: %w", err)
		}
		c.LastSeen = time.UnixMilli(lastSeen).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// AgentSummary is one row of the /agents view.
type AgentSummary struct {
	Name     string    `json:"name"`
	Messages int64     `json:"messages"`
	LastSeen time.Time `json:"last_seen"`
}

// Agents lists agents that have been addressed, most recent first.
func (x *Index) Agents() ([]AgentSummary, error) {
	if x == nil {
		return []AgentSummary{}, nil
	}
	rows, err := x.db.Query(`
		SELECT substr(recipient, 7), COUNT(*), MAX(created_at)
		FROM messages
		WHERE recipient LIKE 'agent:%'
		GROUP BY recipient
		ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("observe: agents: %w", err)
	}
	defer rows.Close()

	out := []AgentSummary{}
	for rows.Next() {
		var a AgentSummary
		var lastSeen int64
		if err := rows.Scan(&a.Name, &a.Messages, &lastSeen); err != nil {
			return nil, fmt.Errorf("observe: scan agent: %w", err)
		}
		a.LastSeen = time.UnixMilli(lastSeen).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// GraphEdge is one sender→recipient flow within a conversation.
type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Messages int64  `json:"messages"`
}

// Graph summarizes the participants and flows of one conversation.
type Graph struct {
	ConversationID string      `json:"conversation_id"`
	Nodes          []string    `json:"nodes"`
	Edges          []GraphEdge `json:"edges"`
}

// ConversationGraph derives the node/edge view for one conversation.
func (x *Index) ConversationGraph(conversationID string) (Graph, error) {
	g := Graph{ConversationID: conversationID, Nodes: []string{}, Edges: []GraphEdge{}}
	if x == nil {
		return g, nil
	}
	rows, err := x.db.Query(`
		SELECT sender, recipient, COUNT(*)
		FROM messages
		WHERE conversation_id = ?
		GROUP BY sender, recipient
		ORDER BY sender, recipient`, conversationID)
	if err != nil {
		return g, fmt.Errorf("observe: graph: %w", err)
	}
	defer rows.Close()

	seen := map[string]bool{}
	for rows.Next() {
		var e GraphEdge
		if err := rows.Scan(&e.From, &e.To, &e.Messages); err != nil {
			return g, fmt.Errorf("observe: scan edge: %w", err)
		}
		g.Edges = append(g.Edges, e)
		for _, n := range []string{e.From, e.To} {
			if !seen[n] {
				seen[n] = true
				g.Nodes = append(g.Nodes, n)
			}
		}
	}
	return g, rows.Err()
}
