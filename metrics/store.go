// Package metrics holds the scalar sinks the training reporter writes to.
//
// Every sink implements AddScalar(tag, value, step). Store persists scalars
// in SQLite, PromSink exposes the latest value of each tag as a Prometheus
// gauge, LogSink writes them to a zerolog logger and Recorder keeps them in
// memory. Multi fans one scalar out to several sinks.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Point is one recorded scalar.
type Point struct {
	Tag      string
	Step     int64
	Value    float64
	WallTime time.Time
}

// Store is a SQLite backed event file. One database may hold several runs.
type Store struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

var errNoRun = errors.New("metrics store: no run started")

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scalars (
  run_id TEXT NOT NULL,
  tag TEXT NOT NULL,
  step INTEGER NOT NULL,
  value REAL NOT NULL,
  wall_time INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS scalars_run_tag_step ON scalars(run_id, tag, step);
`)
	return err
}

// BeginRun registers runID and makes it the target of AddScalar.
func (s *Store) BeginRun(ctx context.Context, runID, name string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, name, started_at) VALUES(?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET name=excluded.name;
`, runID, name, s.now().UnixNano())
	if err != nil {
		return err
	}
	s.runID = runID
	return nil
}

func (s *Store) AddScalar(tag string, value float64, step int64) error {
	return s.AddScalarContext(context.Background(), tag, value, step)
}

func (s *Store) AddScalarContext(ctx context.Context, tag string, value float64, step int64) error {
	if s.db == nil {
		return nil
	}
	if s.runID == "" {
		return errNoRun
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scalars(run_id, tag, step, value, wall_time) VALUES(?, ?, ?, ?, ?);
`, s.runID, tag, step, value, s.now().UnixNano())
	return err
}

// Scalars returns the points recorded for tag in step order.
func (s *Store) Scalars(ctx context.Context, runID, tag string) ([]Point, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT tag, step, value, wall_time FROM scalars
WHERE run_id=? AND tag=? ORDER BY step ASC, rowid ASC;
`, runID, tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		var wall int64
		if err := rows.Scan(&p.Tag, &p.Step, &p.Value, &wall); err != nil {
			return nil, err
		}
		p.WallTime = time.Unix(0, wall)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Tags lists the distinct tags recorded for runID.
func (s *Store) Tags(ctx context.Context, runID string) ([]string, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT tag FROM scalars WHERE run_id=? ORDER BY tag;", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		out = append(out, tag)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
