package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quakeflow/quakeflow/internal/jsoncodec"
	"github.com/quakeflow/quakeflow/internal/schema"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS detections (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMP NOT NULL,
	event_id TEXT NOT NULL,
	detection_model_name TEXT NOT NULL,
	detected BOOLEAN NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	threshold DOUBLE PRECISION NOT NULL,
	processing_time_ms DOUBLE PRECISION NOT NULL,
	picks TEXT,
	detection_model_metadata TEXT,
	agreement BOOLEAN NOT NULL,
	confidence_diff DOUBLE PRECISION NOT NULL
)`

var createIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_detections_event_model ON detections (event_id, detection_model_name)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_created_detected ON detections (created_at, detected)`,
}

const insertSQL = `
INSERT INTO detections (
	id, created_at, event_id, detection_model_name, detected, confidence,
	threshold, processing_time_ms, picks, detection_model_metadata,
	agreement, confidence_diff
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectColumns = `
	id, created_at, event_id, detection_model_name, detected, confidence,
	threshold, processing_time_ms, picks, detection_model_metadata,
	agreement, confidence_diff`

// SQLStore implements Store over database/sql. It supports the lib/pq and
// go-sqlite3 drivers; queries are written with ? placeholders and rebound for
// PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects using the named driver ("postgres" or "sqlite3") and ensures
// the schema exists.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "postgres", "sqlite3":
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to PostgreSQL, the production deployment.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	return Open(ctx, "postgres", dsn)
}

// OpenSQLite opens an embedded SQLite database. Use ":memory:" for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return Open(ctx, "sqlite3", path)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	for _, stmt := range createIndexSQL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveGroup appends one row per group member inside a single transaction.
func (s *SQLStore) SaveGroup(ctx context.Context, members map[string]schema.DetectionRecord, summary schema.ComparisonSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(insertSQL))
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	createdAt := s.now().UTC()
	for _, name := range sortedNames(members) {
		rec := members[name]

		picks, err := jsoncodec.Marshal(rec.Picks)
		if err != nil {
			return fmt.Errorf("store: marshal picks for %s: %w", name, err)
		}
		metadata := []byte("null")
		if len(rec.Metadata) > 0 {
			metadata = rec.Metadata
		}

		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(),
			createdAt,
			rec.EventID,
			name,
			rec.Detected,
			rec.Confidence,
			rec.Threshold,
			rec.ProcessingTimeMS,
			string(picks),
			string(metadata),
			summary.Agreement,
			summary.ConfidenceSpread,
		); err != nil {
			return fmt.Errorf("store: insert %s/%s: %w", rec.EventID, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ListDetections returns rows matching the filter, newest first.
func (s *SQLStore) ListDetections(ctx context.Context, f Filter) ([]Record, error) {
	query := "SELECT" + selectColumns + " FROM detections"
	var args []any
	var where []string

	if f.ModelName != "" {
		where = append(where, "detection_model_name = ?")
		args = append(args, f.ModelName)
	}
	if f.DetectedOnly {
		where = append(where, "detected = ?")
		args = append(args, true)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	return s.queryRecords(ctx, query, args...)
}

// EventDetections returns every row for one event.
func (s *SQLStore) EventDetections(ctx context.Context, eventID string) ([]Record, error) {
	query := "SELECT" + selectColumns + " FROM detections WHERE event_id = ? ORDER BY detection_model_name"
	return s.queryRecords(ctx, query, eventID)
}

// ComparisonStats summarises agreement for rows created at or after since.
func (s *SQLStore) ComparisonStats(ctx context.Context, since time.Time) (ComparisonStats, error) {
	records, err := s.recordsSince(ctx, since)
	if err != nil {
		return ComparisonStats{}, err
	}
	return ComputeComparisonStats(records), nil
}

// RecentStats summarises detection volume for rows created at or after since.
func (s *SQLStore) RecentStats(ctx context.Context, since time.Time) (RecentStats, error) {
	records, err := s.recordsSince(ctx, since)
	if err != nil {
		return RecentStats{}, err
	}
	return ComputeRecentStats(records), nil
}

func (s *SQLStore) recordsSince(ctx context.Context, since time.Time) ([]Record, error) {
	query := "SELECT" + selectColumns + " FROM detections WHERE created_at >= ?"
	return s.queryRecords(ctx, query, since.UTC())
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var picks, metadata sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.CreatedAt,
			&rec.EventID,
			&rec.ModelName,
			&rec.Detected,
			&rec.Confidence,
			&rec.Threshold,
			&rec.ProcessingTimeMS,
			&picks,
			&metadata,
			&rec.Agreement,
			&rec.ConfidenceDiff,
		); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if picks.Valid {
			rec.Picks = []byte(picks.String)
		}
		if metadata.Valid {
			rec.Metadata = []byte(metadata.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
