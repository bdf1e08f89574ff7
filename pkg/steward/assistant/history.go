package assistant

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/steward-bot/steward/pkg/steward/llm"
)

// History roles. Tool results are materialized as synthetic user-role
// messages when the window is replayed to the model.
const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleToolResults = "tool_results"
)

// HistoryRecord is one persisted history row.
type HistoryRecord struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// HistoryStore reads and appends conversation history in steward.db.
// History is append-only; ordering within a conversation follows insertion
// order.
type HistoryStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewHistoryStore creates a history store. The tables must already exist
// (created by OpenDatabase).
func NewHistoryStore(db *sql.DB, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{db: db, logger: logger.With("component", "history")}
}

// Append writes one history row.
func (h *HistoryStore) Append(conversationID, role, content string) error {
	_, err := h.db.Exec(`
		INSERT INTO history (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, role, content,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// LoadWindow returns the most recent history for a conversation, bounded by
// a lookback TTL and a row cap, oldest first.
func (h *HistoryStore) LoadWindow(conversationID string, ttl time.Duration, maxRows int) ([]HistoryRecord, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(time.RFC3339)

	rows, err := h.db.Query(`
		SELECT id, conversation_id, role, content, created_at
		FROM history
		WHERE conversation_id = ? AND created_at >= ?
		ORDER BY id DESC
		LIMIT ?`,
		conversationID, cutoff, maxRows,
	)
	if err != nil {
		return nil, fmt.Errorf("load history window: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var (
			r         HistoryRecord
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Role, &r.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	// Query returned newest first; replay oldest first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// ReconcileHistory converts raw history rows into a message sequence the
// model accepts: strict user/assistant alternation, starting with a user
// message. Tool-result rows become user-role messages; consecutive same-role
// messages are merged; leading rows that cannot start a conversation
// (assistant replies or orphaned tool results) are dropped.
func ReconcileHistory(records []HistoryRecord) []llm.Message {
	start := 0
	for start < len(records) && records[start].Role != RoleUser {
		start++
	}

	var messages []llm.Message
	for _, r := range records[start:] {
		role := llm.RoleUser
		if r.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		if r.Content == "" {
			continue
		}

		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content += "\n" + r.Content
			continue
		}
		messages = append(messages, llm.Message{Role: role, Content: r.Content})
	}
	return messages
}
