package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type DatabaseInterface interface {
	CreateThumbnailLog(ctx context.Context, params CreateThumbnailLogParams) error
	Close() error
}

type Database struct {
	db      *sql.DB
	queries *Queries
}

func NewDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:      db,
		queries: New(db),
	}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) CreateThumbnailLog(ctx context.Context, params CreateThumbnailLogParams) error {
	return d.queries.CreateThumbnailLog(ctx, params)
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type CreateThumbnailLogParams struct {
	MessageID   string
	Bucket      string
	SourceKey   string
	DestBucket  string
	DestKey     string
	SizeBytes   int64
	ContentType string
	CreatedAt   time.Time
}

type ThumbnailLog struct {
	ID          int64     `json:"id"`
	MessageID   string    `json:"message_id"`
	Bucket      string    `json:"bucket"`
	SourceKey   string    `json:"source_key"`
	DestBucket  string    `json:"dest_bucket"`
	DestKey     string    `json:"dest_key"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

const createThumbnailLog = `-- name: CreateThumbnailLog :exec
INSERT INTO thumbnail_logs (message_id, bucket, source_key, dest_bucket, dest_key, size_bytes, content_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (q *Queries) CreateThumbnailLog(ctx context.Context, arg CreateThumbnailLogParams) error {
	_, err := q.db.ExecContext(ctx, createThumbnailLog,
		arg.MessageID,
		arg.Bucket,
		arg.SourceKey,
		arg.DestBucket,
		arg.DestKey,
		arg.SizeBytes,
		arg.ContentType,
		arg.CreatedAt,
	)
	return err
}
