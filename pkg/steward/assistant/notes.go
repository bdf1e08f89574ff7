package assistant

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// NoteStore persists long-term notes per conversation. Notes are surfaced
// into the system prompt on every turn.
type NoteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNoteStore creates a note store. The notes table must already exist.
func NewNoteStore(db *sql.DB, logger *slog.Logger) *NoteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoteStore{db: db, logger: logger.With("component", "notes")}
}

// Add appends one note.
func (n *NoteStore) Add(conversationID, note string) error {
	_, err := n.db.Exec(`
		INSERT INTO notes (conversation_id, note, created_at)
		VALUES (?, ?, ?)`,
		conversationID, note, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("add note: %w", err)
	}
	return nil
}

// List returns the most recent notes for a conversation, oldest first.
func (n *NoteStore) List(conversationID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := n.db.Query(`
		SELECT note FROM (
			SELECT id, note FROM notes
			WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}
