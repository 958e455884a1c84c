package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const approvalsDirMode = 0755

// Store persists approval requests. Every mutating method is guarded by a
// status predicate so concurrent writers cannot overwrite a terminal record.
type Store interface {
	Insert(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	ListPending(ctx context.Context, limit int) ([]Request, error)
	Transition(ctx context.Context, id string, status Status, decidedBy, reason string, at time.Time) (bool, error)
	TimeoutOlderThan(ctx context.Context, cutoff, at time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Statistics(ctx context.Context, since time.Time) (Stats, error)
	Close() error
}

var approvalsSchema = []string{`
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	category TEXT NOT NULL,
	payload TEXT NOT NULL,
	working_dir TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	decided_at INTEGER,
	decided_by TEXT,
	reason TEXT,
	CHECK (status IN ('pending', 'approved', 'denied', 'timeout'))
)`,
	"CREATE INDEX IF NOT EXISTS approval_requests_status_idx ON approval_requests(status)",
	"CREATE INDEX IF NOT EXISTS approval_requests_created_idx ON approval_requests(created_at)",
	"CREATE INDEX IF NOT EXISTS approval_requests_session_idx ON approval_requests(session_id)",
}

const requestColumns = "id, session_id, created_at, category, payload, working_dir, status, decided_at, decided_by, reason"

const insertRequestSQL = "" +
	"INSERT INTO approval_requests (id, session_id, created_at, category, payload, working_dir, status)" +
	" VALUES (?, ?, ?, ?, ?, ?, 'pending')"

const selectRequestSQL = "" +
	"SELECT " + requestColumns + " FROM approval_requests WHERE id = ?"

const selectPendingSQL = "" +
	"SELECT " + requestColumns + " FROM approval_requests" +
	" WHERE status = 'pending' ORDER BY created_at DESC, id LIMIT ?"

const transitionSQL = "" +
	"UPDATE approval_requests SET status = ?, decided_at = ?, decided_by = ?, reason = ?" +
	" WHERE id = ? AND status = 'pending'"

const timeoutPendingSQL = "" +
	"UPDATE approval_requests SET status = 'timeout', decided_at = ?" +
	" WHERE status = 'pending' AND created_at < ?"

const deleteOlderSQL = "" +
	"DELETE FROM approval_requests WHERE created_at < ?"

const countByStatusSQL = "" +
	"SELECT status, COUNT(*) FROM approval_requests GROUP BY status"

const countByCategorySQL = "" +
	"SELECT category, COUNT(*) FROM approval_requests GROUP BY category"

const countSinceSQL = "" +
	"SELECT COUNT(*) FROM approval_requests WHERE created_at >= ?"

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the approval database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), approvalsDirMode); err != nil {
			return nil, fmt.Errorf("create approval store dir: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	// One connection serializes writers inside the process; busy_timeout covers
	// other processes sharing the file.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping approval store: %w", err)
	}
	for _, stmt := range approvalsSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init approval schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, req Request) error {
	_, err := s.db.ExecContext(ctx, insertRequestSQL,
		req.ID,
		req.SessionID,
		req.CreatedAt.UTC().UnixNano(),
		req.Category,
		string(req.Payload),
		req.WorkingDir,
	)
	if err != nil {
		return unavailable("insert request", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Request, error) {
	row := s.db.QueryRowContext(ctx, selectRequestSQL, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Request{}, unavailable("get request", err)
	}
	return req, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, selectPendingSQL, limit)
	if err != nil {
		return nil, unavailable("list pending", err)
	}
	defer rows.Close()

	result := make([]Request, 0, limit)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, unavailable("scan pending", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list pending", err)
	}
	return result, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, status Status, decidedBy, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, transitionSQL,
		string(status),
		at.UTC().UnixNano(),
		nullString(decidedBy),
		nullString(reason),
		id,
	)
	if err != nil {
		return false, unavailable("transition request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("transition request", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) TimeoutOlderThan(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, timeoutPendingSQL, at.UTC().UnixNano(), cutoff.UTC().UnixNano())
	if err != nil {
		return 0, unavailable("timeout pending", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("timeout pending", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteOlderSQL, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, unavailable("delete requests", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("delete requests", err)
	}
	return n, nil
}

func (s *SQLiteStore) Statistics(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{
		ByStatus:   map[Status]int64{},
		ByCategory: map[string]int64{},
	}

	byStatus, err := s.countGrouped(ctx, countByStatusSQL)
	if err != nil {
		return Stats{}, unavailable("count by status", err)
	}
	for status, n := range byStatus {
		stats.ByStatus[Status(status)] = n
		stats.Total += n
	}

	stats.ByCategory, err = s.countGrouped(ctx, countByCategorySQL)
	if err != nil {
		return Stats{}, unavailable("count by category", err)
	}

	if err := s.db.QueryRowContext(ctx, countSinceSQL, since.UTC().UnixNano()).Scan(&stats.RecentHour); err != nil {
		return Stats{}, unavailable("count recent", err)
	}
	return stats, nil
}

func (s *SQLiteStore) countGrouped(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		req       Request
		createdAt int64
		payload   string
		status    string
		decidedAt sql.NullInt64
		decidedBy sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(
		&req.ID,
		&req.SessionID,
		&createdAt,
		&req.Category,
		&payload,
		&req.WorkingDir,
		&status,
		&decidedAt,
		&decidedBy,
		&reason,
	); err != nil {
		return Request{}, err
	}
	req.CreatedAt = time.Unix(0, createdAt).UTC()
	req.Payload = json.RawMessage(payload)
	req.Status = Status(status)
	if decidedAt.Valid {
		req.DecidedAt = time.Unix(0, decidedAt.Int64).UTC()
	}
	req.DecidedBy = decidedBy.String
	req.Reason = reason.String
	return req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
