// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package measurementstore persists readings for the Final Server.
//
// The measurements table carries a UNIQUE (sensor_id, timestamp)
// constraint. Insert relies on it, not on application locking, to make
// a replayed reading a no-op: concurrent inserts of the same key
// resolve to one Inserted and one DuplicateIgnored. That is what lets
// the relay deliver at-least-once.
//
// Readings are fully decoded before any write. There is no placeholder
// row that a later update fills in.
package measurementstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/sensorrelay/lib/sqlitepool"
	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS measurements (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_id   INTEGER NOT NULL,
	timestamp   TEXT    NOT NULL,
	temperature REAL    NOT NULL,
	pressure    REAL    NOT NULL,
	humidity    REAL    NOT NULL,
	UNIQUE (sensor_id, timestamp)
);
CREATE INDEX IF NOT EXISTS measurements_by_time ON measurements (timestamp DESC, id DESC);
`

// InsertOutcome reports what Insert did. Neither outcome is an error.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota + 1
	DuplicateIgnored
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateIgnored:
		return "duplicate_ignored"
	default:
		return "unknown"
	}
}

// Measurement is one stored row. The JSON tags are the query API's
// field names.
type Measurement struct {
	ID          int64   `json:"id"`
	SensorID    int16   `json:"sensor_id"`
	Timestamp   string  `json:"timestamp"`
	Temperature float64 `json:"temperatura"`
	Pressure    float64 `json:"presion"`
	Humidity    float64 `json:"humedad"`
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. Created if missing.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	Logger *slog.Logger
}

// Store is the IngestionStore. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Open opens or creates the database and applies the schema.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("measurementstore: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Insert stores reading. A reading whose (sensor_id, timestamp) is
// already stored returns DuplicateIgnored and a nil error.
func (s *Store) Insert(ctx context.Context, reading wire.Reading) (InsertOutcome, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("measurementstore: insert: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO measurements (sensor_id, timestamp, temperature, pressure, humidity)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				int64(reading.SensorID),
				reading.Timestamp.String(),
				widen(reading.Temperature),
				widen(reading.Pressure),
				widen(reading.Humidity),
			},
		})
	if err != nil {
		switch sqlite.ErrCode(err) {
		case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
			return DuplicateIgnored, nil
		}
		return 0, fmt.Errorf("measurementstore: insert sensor %d at %s: %w", reading.SensorID, reading.Timestamp, err)
	}
	return Inserted, nil
}

// ListDescendingByTime returns every stored row, most recent first.
// Rows with equal timestamps are ordered by descending id.
func (s *Store) ListDescendingByTime(ctx context.Context) ([]Measurement, error) {
	return s.list(ctx, -1)
}

// List returns at most limit rows, most recent first. A limit of zero
// or less returns every row.
func (s *Store) List(ctx context.Context, limit int) ([]Measurement, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.list(ctx, limit)
}

// Latest returns the most recent row, or false if the store is empty.
func (s *Store) Latest(ctx context.Context) (Measurement, bool, error) {
	rows, err := s.list(ctx, 1)
	if err != nil {
		return Measurement{}, false, err
	}
	if len(rows) == 0 {
		return Measurement{}, false, nil
	}
	return rows[0], true, nil
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("measurementstore: count: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM measurements`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("measurementstore: count: %w", err)
	}
	return count, nil
}

// list runs the descending query. SQLite treats LIMIT -1 as no limit.
func (s *Store) list(ctx context.Context, limit int) ([]Measurement, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("measurementstore: list: %w", err)
	}
	defer s.pool.Put(conn)

	rows := []Measurement{}
	err = sqlitex.Execute(conn,
		`SELECT id, sensor_id, timestamp, temperature, pressure, humidity
		 FROM measurements
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{int64(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, Measurement{
					ID:          stmt.ColumnInt64(0),
					SensorID:    int16(stmt.ColumnInt64(1)),
					Timestamp:   stmt.ColumnText(2),
					Temperature: stmt.ColumnFloat(3),
					Pressure:    stmt.ColumnFloat(4),
					Humidity:    stmt.ColumnFloat(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("measurementstore: list: %w", err)
	}
	return rows, nil
}

// widen converts a float32 measurement to the float64 with the same
// shortest decimal form, so 21.3 is stored as 21.3 and not as
// 21.299999237060547.
func widen(value float32) float64 {
	widened, err := strconv.ParseFloat(strconv.FormatFloat(float64(value), 'g', -1, 32), 64)
	if err != nil {
		return float64(value)
	}
	return widened
}
