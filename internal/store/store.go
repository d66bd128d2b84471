// Package store persists log records, findings and metric snapshots behind a
// dialect-neutral SQL layer (DuckDB, SQLite, Postgres).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/loglens/internal/models"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// RecordQuery selects log records. The zero value returns every record in
// timestamp order.
type RecordQuery struct {
	Window          models.WindowPolicy
	Endpoint        string
	Levels          []string
	HasResponseTime bool
	HasMessage      bool
	// Newest orders by id descending so Limit keeps the most recent rows.
	Newest bool
	Limit  int
}

// FindingQuery selects persisted findings.
type FindingQuery struct {
	Window models.WindowPolicy
	Kinds  []models.Kind
	RunID  string
	Newest bool
	Limit  int
}

// RecordStore is the read and write surface over log records.
type RecordStore interface {
	AppendRecords(ctx context.Context, records []models.LogRecord) ([]int64, error)
	QueryRecords(ctx context.Context, q RecordQuery) ([]models.LogRecord, error)
}

// FindingSink persists findings. AppendFindings is all-or-nothing per batch.
type FindingSink interface {
	AppendFindings(ctx context.Context, findings []models.Finding) ([]int64, error)
	QueryFindings(ctx context.Context, q FindingQuery) ([]models.Finding, error)
}

// SnapshotStore keeps the MetricSnapshot history.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.MetricSnapshot) (int64, error)
	Snapshots(ctx context.Context, limit int) ([]models.MetricSnapshot, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	RecordStore
	FindingSink
	SnapshotStore
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
