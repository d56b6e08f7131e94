package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/reflexcore/internal/experience"
	"github.com/danielpatrickdp/reflexcore/internal/graph"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS export_batches (
	id          TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	experiences INTEGER NOT NULL,
	connections INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS experiences (
	seq        INTEGER PRIMARY KEY,
	ts         INTEGER NOT NULL,
	state_hash INTEGER NOT NULL,
	action     INTEGER NOT NULL,
	path       TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	reward     REAL NOT NULL,
	receipt    INTEGER NOT NULL,
	record     BLOB NOT NULL,
	meta_json  TEXT,
	batch_id   TEXT NOT NULL REFERENCES export_batches(id)
);
CREATE INDEX IF NOT EXISTS idx_experiences_cell ON experiences(state_hash, action);
CREATE TABLE IF NOT EXISTS connections (
	id          INTEGER PRIMARY KEY,
	source      INTEGER NOT NULL,
	target      INTEGER NOT NULL,
	confidence  INTEGER NOT NULL,
	activations INTEGER NOT NULL,
	rigidity    REAL NOT NULL,
	tier        TEXT NOT NULL,
	version     INTEGER NOT NULL,
	record      BLOB NOT NULL,
	batch_id    TEXT NOT NULL REFERENCES export_batches(id)
);
`

// #endregion schema

// #region open
// SQLiteSink writes batches to a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. File databases
// use WAL journaling.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// DB exposes the underlying handle for read-only tooling.
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// #endregion open

// #region write
// Write stores b in one transaction.
func (s *SQLiteSink) Write(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO export_batches (id, created_at, experiences, connections) VALUES (?, ?, ?, ?)`,
		b.ID, b.CreatedAt.UTC().Format(time.RFC3339Nano), len(b.Experiences), len(b.Connections),
	); err != nil {
		return fmt.Errorf("insert batch %s: %w", b.ID, err)
	}

	expStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO experiences (seq, ts, state_hash, action, path, outcome, reward, receipt, record, meta_json, batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare experiences: %w", err)
	}
	defer expStmt.Close()
	for _, e := range b.Experiences {
		rec := experience.Encode(e)
		meta, err := metaJSON(e.Meta)
		if err != nil {
			return fmt.Errorf("experience %d meta: %w", e.Seq, err)
		}
		if _, err := expStmt.ExecContext(ctx,
			int64(e.Seq), e.Timestamp, int64(e.StateHash), int64(e.Action),
			e.Path.String(), e.Outcome.String(), float64(e.Reward), int64(e.Receipt),
			rec[:], meta, b.ID,
		); err != nil {
			return fmt.Errorf("insert experience %d: %w", e.Seq, err)
		}
	}

	connStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO connections (id, source, target, confidence, activations, rigidity, tier, version, record, batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare connections: %w", err)
	}
	defer connStmt.Close()
	for _, c := range b.Connections {
		rec := graph.Encode(c)
		if _, err := connStmt.ExecContext(ctx,
			int64(c.ID), int64(c.Source), int64(c.Target), int(c.Confidence), int(c.Activations),
			float64(c.Rigidity), c.Tier.String(), int64(c.Version), rec[:], b.ID,
		); err != nil {
			return fmt.Errorf("insert connection %d: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch %s: %w", b.ID, err)
	}
	return nil
}

func metaJSON(m *experience.Metadata) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// #endregion write

// #region read
// Summarize counts what the database holds.
func (s *SQLiteSink) Summarize(ctx context.Context) (Summary, error) {
	sum := Summary{ByPath: map[string]int{}, ByOutcome: map[string]int{}}
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM export_batches),
		(SELECT COUNT(*) FROM experiences),
		(SELECT COUNT(*) FROM connections),
		(SELECT COALESCE(AVG(reward), 0) FROM experiences)`)
	if err := row.Scan(&sum.Batches, &sum.Experiences, &sum.Connections, &sum.MeanReward); err != nil {
		return Summary{}, fmt.Errorf("summary counts: %w", err)
	}
	if err := s.countBy(ctx, "path", sum.ByPath); err != nil {
		return Summary{}, err
	}
	if err := s.countBy(ctx, "outcome", sum.ByOutcome); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

func (s *SQLiteSink) countBy(ctx context.Context, col string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+col+`, COUNT(*) FROM experiences GROUP BY `+col)
	if err != nil {
		return fmt.Errorf("count by %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scan %s: %w", col, err)
		}
		into[k] = n
	}
	return rows.Err()
}

// Experiences returns the newest limit experiences, oldest first.
func (s *SQLiteSink) Experiences(ctx context.Context, limit int) ([]experience.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record, meta_json FROM (SELECT seq, record, meta_json FROM experiences ORDER BY seq DESC LIMIT ?) ORDER BY seq`, limit)
	if err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	defer rows.Close()
	var out []experience.Entry
	for rows.Next() {
		var rec []byte
		var meta sql.NullString
		if err := rows.Scan(&rec, &meta); err != nil {
			return nil, fmt.Errorf("scan experience: %w", err)
		}
		e, err := experience.Decode(rec)
		if err != nil {
			return nil, err
		}
		if meta.Valid {
			e.Meta = new(experience.Metadata)
			if err := json.Unmarshal([]byte(meta.String), e.Meta); err != nil {
				return nil, fmt.Errorf("experience %d meta: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Connection reads one connection by id.
func (s *SQLiteSink) Connection(ctx context.Context, id graph.ConnID) (graph.Connection, error) {
	var rec []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM connections WHERE id = ?`, int64(id)).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Connection{}, fmt.Errorf("connection %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return graph.Connection{}, fmt.Errorf("query connection %d: %w", id, err)
	}
	return graph.Decode(rec)
}

// Batches lists the newest limit export batches, newest first.
func (s *SQLiteSink) Batches(ctx context.Context, limit int) ([]BatchInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, experiences, connections FROM export_batches ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()
	var out []BatchInfo
	for rows.Next() {
		var bi BatchInfo
		var created string
		if err := rows.Scan(&bi.ID, &created, &bi.Experiences, &bi.Connections); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		bi.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, bi)
	}
	return out, rows.Err()
}

// #endregion read
