package main

import (
	"context"
	"time"
)

const (
	isMessageProcessed = `SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1)`

	markMessageProcessed = `INSERT INTO processed_messages (message_id, object_key, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (message_id) DO NOTHING`

	deleteProcessedBefore = `DELETE FROM processed_messages WHERE processed_at < $1`
)

// shares the ledger connection, see Database
type PostgresDeduplicationStore struct {
	db DBTX
}

func NewPostgresDeduplicationStore(db DBTX) *PostgresDeduplicationStore {
	return &PostgresDeduplicationStore{db: db}
}

func (p *PostgresDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, isMessageProcessed, messageID).Scan(&exists)
	return exists, err
}

func (p *PostgresDeduplicationStore) MarkProcessed(ctx context.Context, messageID, objectKey string) error {
	_, err := p.db.ExecContext(ctx, markMessageProcessed, messageID, objectKey, time.Now().UTC())
	return err
}

func (p *PostgresDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	_, err := p.db.ExecContext(ctx, deleteProcessedBefore, time.Now().UTC().Add(-olderThan))
	return err
}

func (p *PostgresDeduplicationStore) Close() error {
	// DB connection is managed by Database, nothing to close here
	return nil
}
