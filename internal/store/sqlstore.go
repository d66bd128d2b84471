package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/miradorstack/loglens/internal/models"
)

const defaultQueryTimeout = 30 * time.Second

// SQLStore implements Store over any registered dialect. Writes are serialised
// by a mutex; every query runs under QueryTimeout.
type SQLStore struct {
	db           *sqlx.DB
	dialect      string
	mu           sync.Mutex
	closed       bool
	QueryTimeout time.Duration
}

type recordRow struct {
	ID           int64           `db:"id"`
	TsUS         int64           `db:"ts_us"`
	Level        string          `db:"level"`
	Message      sql.NullString  `db:"message"`
	Endpoint     sql.NullString  `db:"endpoint"`
	Status       sql.NullInt64   `db:"status"`
	ResponseTime sql.NullFloat64 `db:"response_time"`
	IP           sql.NullString  `db:"ip"`
}

type findingRow struct {
	ID         int64          `db:"id"`
	RunID      string         `db:"run_id"`
	TsUS       int64          `db:"ts_us"`
	Kind       string         `db:"kind"`
	Severity   string         `db:"severity"`
	Score      float64        `db:"score"`
	Message    string         `db:"message"`
	LogID      sql.NullInt64  `db:"log_id"`
	Attributes sql.NullString `db:"attributes"`
}

type snapshotRow struct {
	ID              int64   `db:"id"`
	TsUS            int64   `db:"ts_us"`
	TotalRecords    int64   `db:"total_records"`
	ErrorCount      int64   `db:"error_count"`
	ErrorRate       float64 `db:"error_rate"`
	AvgResponseTime float64 `db:"avg_response_time"`
	SevLow          int64   `db:"sev_low"`
	SevMedium       int64   `db:"sev_medium"`
	SevHigh         int64   `db:"sev_high"`
	SevCritical     int64   `db:"sev_critical"`
}

// Dialect reports the SQL dialect name.
func (s *SQLStore) Dialect() string { return s.dialect }

// DB exposes the underlying handle for migrations and diagnostics.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

func (s *SQLStore) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	qt := s.QueryTimeout
	if qt <= 0 {
		qt = defaultQueryTimeout
	}
	return context.WithTimeout(ctx, qt)
}

// AppendRecords inserts records in one transaction and returns their ids in order.
func (s *SQLStore) AppendRecords(ctx context.Context, records []models.LogRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	query := s.db.Rebind(`INSERT INTO log_records (ts_us, level, message, endpoint, status, response_time, ip)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	return s.insertBatch(ctx, "append records", len(records), func(tx *sqlx.Tx, i int) (int64, error) {
		r := records[i]
		var id int64
		err := tx.QueryRowxContext(ctx, query,
			r.Timestamp.UTC().UnixMicro(),
			r.Level,
			nullString(r.Message),
			nullString(r.Endpoint),
			nullInt(r.Status),
			nullFloat(r.ResponseTime),
			nullString(r.IP),
		).Scan(&id)
		return id, err
	})
}

// AppendFindings inserts the batch atomically: on any failure nothing persists.
func (s *SQLStore) AppendFindings(ctx context.Context, findings []models.Finding) ([]int64, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	query := s.db.Rebind(`INSERT INTO findings (run_id, ts_us, kind, severity, score, message, log_id, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	return s.insertBatch(ctx, "append findings", len(findings), func(tx *sqlx.Tx, i int) (int64, error) {
		f := findings[i]
		attrs := sql.NullString{}
		if len(f.Attributes) > 0 {
			raw, err := json.Marshal(f.Attributes)
			if err != nil {
				return 0, fmt.Errorf("marshal attributes: %w", err)
			}
			attrs = sql.NullString{String: string(raw), Valid: true}
		}
		logID := sql.NullInt64{}
		if f.LogID != nil {
			logID = sql.NullInt64{Int64: *f.LogID, Valid: true}
		}
		var id int64
		err := tx.QueryRowxContext(ctx, query,
			f.RunID,
			f.Timestamp.UTC().UnixMicro(),
			string(f.Kind),
			string(f.Severity),
			f.Score,
			f.Message,
			logID,
			attrs,
		).Scan(&id)
		return id, err
	})
}

func (s *SQLStore) insertBatch(ctx context.Context, op string, n int, insert func(*sqlx.Tx, int) (int64, error)) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", op, err)
	}
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := insert(tx, i)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("%s: row %d: %w", op, i, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}
	return ids, nil
}

// QueryRecords returns the records matching q, oldest first unless q.Newest is set.
func (s *SQLStore) QueryRecords(ctx context.Context, q RecordQuery) ([]models.LogRecord, error) {
	var (
		conds []string
		args  []any
	)
	conds, args = windowConds(q.Window, conds, args)
	if q.Endpoint != "" {
		conds = append(conds, "endpoint = ?")
		args = append(args, q.Endpoint)
	}
	if len(q.Levels) > 0 {
		levels := make([]string, len(q.Levels))
		for i, l := range q.Levels {
			levels[i] = strings.ToUpper(l)
		}
		conds = append(conds, "UPPER(level) IN (?)")
		args = append(args, levels)
	}
	if q.HasResponseTime {
		conds = append(conds, "response_time IS NOT NULL")
	}
	if q.HasMessage {
		conds = append(conds, "message IS NOT NULL AND TRIM(message) <> ''")
	}

	order := "ts_us ASC, id ASC"
	if q.Newest {
		order = "id DESC"
	}
	query := "SELECT id, ts_us, level, message, endpoint, status, response_time, ip FROM log_records" +
		where(conds) + " ORDER BY " + order + limit(q.Limit)

	var rows []recordRow
	if err := s.selectIn(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	out := make([]models.LogRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// QueryFindings returns the findings matching q, oldest first unless q.Newest is set.
func (s *SQLStore) QueryFindings(ctx context.Context, q FindingQuery) ([]models.Finding, error) {
	var (
		conds []string
		args  []any
	)
	conds, args = windowConds(q.Window, conds, args)
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		conds = append(conds, "kind IN (?)")
		args = append(args, kinds)
	}
	if q.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, q.RunID)
	}

	order := "ts_us ASC, id ASC"
	if q.Newest {
		order = "ts_us DESC, id DESC"
	}
	query := "SELECT id, run_id, ts_us, kind, severity, score, message, log_id, attributes FROM findings" +
		where(conds) + " ORDER BY " + order + limit(q.Limit)

	var rows []findingRow
	if err := s.selectIn(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	out := make([]models.Finding, 0, len(rows))
	for _, r := range rows {
		f, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("query findings: row %d: %w", r.ID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// SaveSnapshot appends one rollup to the snapshot history.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snap models.MetricSnapshot) (int64, error) {
	query := s.db.Rebind(`INSERT INTO metric_snapshots
		(ts_us, total_records, error_count, error_rate, avg_response_time, sev_low, sev_medium, sev_high, sev_critical)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	ids, err := s.insertBatch(ctx, "save snapshot", 1, func(tx *sqlx.Tx, _ int) (int64, error) {
		var id int64
		err := tx.QueryRowxContext(ctx, query,
			snap.Timestamp.UTC().UnixMicro(),
			snap.TotalRecords,
			snap.ErrorCount,
			snap.ErrorRate,
			snap.AvgResponseTime,
			snap.Severity[models.SeverityLow],
			snap.Severity[models.SeverityMedium],
			snap.Severity[models.SeverityHigh],
			snap.Severity[models.SeverityCritical],
		).Scan(&id)
		return id, err
	})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// Snapshots returns up to limit snapshots, newest first. limit <= 0 returns all.
func (s *SQLStore) Snapshots(ctx context.Context, limitN int) ([]models.MetricSnapshot, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	query := `SELECT id, ts_us, total_records, error_count, error_rate, avg_response_time,
		sev_low, sev_medium, sev_high, sev_critical FROM metric_snapshots ORDER BY ts_us DESC, id DESC` + limit(limitN)
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	out := make([]models.MetricSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.MetricSnapshot{
			ID:              r.ID,
			Timestamp:       time.UnixMicro(r.TsUS).UTC(),
			TotalRecords:    int(r.TotalRecords),
			ErrorCount:      int(r.ErrorCount),
			ErrorRate:       r.ErrorRate,
			AvgResponseTime: r.AvgResponseTime,
			Severity: map[models.Severity]int{
				models.SeverityLow:      int(r.SevLow),
				models.SeverityMedium:   int(r.SevMedium),
				models.SeverityHigh:     int(r.SevHigh),
				models.SeverityCritical: int(r.SevCritical),
			},
		})
	}
	return out, nil
}

// DeleteRecordsBefore removes log records older than cutoff.
func (s *SQLStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM log_records WHERE ts_us < ?"), cutoff.UTC().UnixMicro())
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database; later calls return ErrClosed.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// selectIn expands slice arguments into IN lists, rebinds and scans.
func (s *SQLStore) selectIn(ctx context.Context, dest any, query string, args ...any) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	if len(args) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return err
		}
	}
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

func windowConds(w models.WindowPolicy, conds []string, args []any) ([]string, []any) {
	since, until, ok := w.Bounds()
	if !ok {
		return conds, args
	}
	conds = append(conds, "ts_us >= ?")
	args = append(args, since.UnixMicro())
	if !until.IsZero() {
		conds = append(conds, "ts_us < ?")
		args = append(args, until.UnixMicro())
	}
	return conds, args
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limit(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

func (r recordRow) model() models.LogRecord {
	rec := models.LogRecord{
		ID:        r.ID,
		Timestamp: time.UnixMicro(r.TsUS).UTC(),
		Level:     r.Level,
	}
	if r.Message.Valid {
		rec.Message = &r.Message.String
	}
	if r.Endpoint.Valid {
		rec.Endpoint = &r.Endpoint.String
	}
	if r.Status.Valid {
		rec.Status = models.IntPtr(int(r.Status.Int64))
	}
	if r.ResponseTime.Valid {
		rec.ResponseTime = models.FloatPtr(r.ResponseTime.Float64)
	}
	if r.IP.Valid {
		rec.IP = &r.IP.String
	}
	return rec
}

func (r findingRow) model() (models.Finding, error) {
	f := models.Finding{
		ID:        r.ID,
		RunID:     r.RunID,
		Timestamp: time.UnixMicro(r.TsUS).UTC(),
		Kind:      models.Kind(r.Kind),
		Severity:  models.Severity(r.Severity),
		Score:     r.Score,
		Message:   r.Message,
	}
	if r.LogID.Valid {
		f.LogID = models.LogIDPtr(r.LogID.Int64)
	}
	if r.Attributes.Valid && r.Attributes.String != "" {
		attrs, err := decodeAttributes(r.Attributes.String)
		if err != nil {
			return models.Finding{}, fmt.Errorf("decode attributes: %w", err)
		}
		f.Attributes = attrs
	}
	return f, nil
}

// decodeAttributes restores whole numbers as int so stored findings carry the
// same attribute types as freshly detected ones.
func decodeAttributes(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var attrs map[string]any
	if err := dec.Decode(&attrs); err != nil {
		return nil, err
	}
	for k, v := range attrs {
		attrs[k] = normalizeNumbers(v)
	}
	return attrs, nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	default:
		return v
	}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
