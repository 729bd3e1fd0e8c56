package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentbridge/agentbridge/internal/interaction"
)

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent partitions.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		response TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_thread_id ON interactions(thread_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_interactions_turn_id ON interactions(turn_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_thread_status ON interactions(thread_id, status);

	CREATE TABLE IF NOT EXISTS interaction_items (
		id TEXT PRIMARY KEY,
		interaction_id TEXT NOT NULL,
		provider_item_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'unknown',
		status TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (interaction_id) REFERENCES interactions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_items_interaction_id ON interaction_items(interaction_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_items_provider_id ON interaction_items(interaction_id, provider_item_id);
	`)
	return err
}

const interactionColumns = `id, thread_id, turn_id, prompt, status, response, error, created_at, updated_at`

func (s *SQLiteStore) CreateInteraction(ctx context.Context, in *interaction.Interaction) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	if in.Status == "" {
		in.Status = interaction.StatusPending
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), in.ID, in.ThreadID, in.TurnID, in.Prompt, in.Status, in.Response, in.Error, in.CreatedAt, in.UpdatedAt)
	return err
}

func (s *SQLiteStore) UpdateInteraction(ctx context.Context, in *interaction.Interaction) error {
	in.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE interactions SET thread_id = ?, turn_id = ?, prompt = ?, status = ?, response = ?, error = ?, updated_at = ?
		WHERE id = ?
	`), in.ThreadID, in.TurnID, in.Prompt, in.Status, in.Response, in.Error, in.UpdatedAt, in.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetInteraction(ctx context.Context, id string) (*interaction.Interaction, error) {
	return s.getInteraction(ctx, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
}

func (s *SQLiteStore) FindByTurnID(ctx context.Context, turnID string) (*interaction.Interaction, error) {
	return s.getInteraction(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE turn_id = ? AND turn_id != ''
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, turnID)
}

func (s *SQLiteStore) FindByThreadAndTurn(ctx context.Context, threadID, turnID string) (*interaction.Interaction, error) {
	return s.getInteraction(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE thread_id = ? AND turn_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID, turnID)
}

func (s *SQLiteStore) FindOpenByThread(ctx context.Context, threadID string) (*interaction.Interaction, error) {
	return s.getInteraction(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE thread_id = ? AND status IN ('pending', 'started')
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID)
}

func (s *SQLiteStore) FindLatestByThread(ctx context.Context, threadID string) (*interaction.Interaction, error) {
	return s.getInteraction(ctx, `
		SELECT `+interactionColumns+` FROM interactions
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, threadID)
}

func (s *SQLiteStore) getInteraction(ctx context.Context, query string, args ...any) (*interaction.Interaction, error) {
	in := &interaction.Interaction{}
	err := s.db.GetContext(ctx, in, s.db.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (s *SQLiteStore) ListInteractions(ctx context.Context, threadID string) ([]*interaction.Interaction, error) {
	var out []*interaction.Interaction
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT `+interactionColumns+` FROM interactions
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC`), threadID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

const itemColumns = `id, interaction_id, provider_item_id, type, status, text, payload, created_at, updated_at`

func (s *SQLiteStore) CreateItem(ctx context.Context, item *interaction.Item) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	payload := item.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO interaction_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), item.ID, item.InteractionID, item.ProviderItemID, item.Type, item.Status, item.Text, string(payload), item.CreatedAt, item.UpdatedAt)
	return err
}

func (s *SQLiteStore) UpdateItem(ctx context.Context, item *interaction.Item) error {
	item.UpdatedAt = time.Now().UTC()
	payload := item.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE interaction_items SET provider_item_id = ?, type = ?, status = ?, text = ?, payload = ?, updated_at = ?
		WHERE id = ?
	`), item.ProviderItemID, item.Type, item.Status, item.Text, string(payload), item.UpdatedAt, item.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FindItemByProviderID(ctx context.Context, interactionID, providerItemID string) (*interaction.Item, error) {
	item := &interaction.Item{}
	err := s.db.GetContext(ctx, item, s.db.Rebind(`
		SELECT `+itemColumns+` FROM interaction_items
		WHERE interaction_id = ? AND provider_item_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`), interactionID, providerItemID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) ListItems(ctx context.Context, interactionID string) ([]*interaction.Item, error) {
	var out []*interaction.Item
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT `+itemColumns+` FROM interaction_items
		WHERE interaction_id = ?
		ORDER BY created_at ASC, rowid ASC`), interactionID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
