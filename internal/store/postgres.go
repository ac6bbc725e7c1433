package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversation records in a single append-only table.
// It is an alternative to FileStore for deployments that already run Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const conversationsSchema = `
	CREATE TABLE IF NOT EXISTS conversations (
		session_id   TEXT        NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		prompt       TEXT        NOT NULL DEFAULT '',
		messages     JSONB       NOT NULL DEFAULT '[]',
		model        TEXT        NOT NULL,
		refs         JSONB       NOT NULL DEFAULT '[]',
		response     TEXT        NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (session_id, created_at)
	)
`

// NewPostgresStore creates a connection pool, verifies connectivity, and
// ensures the conversations table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, conversationsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure conversations table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Save inserts a record.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	messagesJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	refsJSON, err := json.Marshal(rec.References)
	if err != nil {
		return fmt.Errorf("failed to marshal references: %w", err)
	}

	query := `
		INSERT INTO conversations (session_id, created_at, prompt, messages, model, refs, response, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.pool.Exec(ctx, query,
		rec.SessionID, rec.CreatedAt, rec.Prompt, messagesJSON,
		rec.Model, refsJSON, rec.Response, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Get returns the record for the given session ID, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	query := `
		SELECT session_id, created_at, prompt, messages, model, refs, response, completed_at
		FROM conversations
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	var rec Record
	var messagesJSON, refsJSON []byte
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.CreatedAt, &rec.Prompt, &messagesJSON,
		&rec.Model, &refsJSON, &rec.Response, &rec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal(messagesJSON, &rec.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	if err := json.Unmarshal(refsJSON, &rec.References); err != nil {
		return nil, fmt.Errorf("failed to unmarshal references: %w", err)
	}
	return &rec, nil
}

// ListRecent returns up to limit records, newest first.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	query := `
		SELECT session_id, created_at, prompt, messages, model, refs, response, completed_at
		FROM conversations
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var rec Record
		var messagesJSON, refsJSON []byte
		if err := rows.Scan(
			&rec.SessionID, &rec.CreatedAt, &rec.Prompt, &messagesJSON,
			&rec.Model, &refsJSON, &rec.Response, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal(messagesJSON, &rec.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		if err := json.Unmarshal(refsJSON, &rec.References); err != nil {
			return nil, fmt.Errorf("failed to unmarshal references: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
