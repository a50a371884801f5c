package main

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Training history goes into a local SQLite file, one row per optimization
// step. The pure-Go driver keeps the binary free of cgo. This replaces a
// metrics service: a run's loss and LR curves are queryable after the fact
// with nothing but the sqlite3 CLI.

// Metrics records per-step training scalars.
type Metrics struct {
	db *sql.DB
}

// StepRecord is one logged optimization step.
type StepRecord struct {
	Epoch int
	Step  int
	Loss  float64
	LR    float64
}

// OpenMetrics opens (creating if needed) the metrics database at path.
func OpenMetrics(path string) (*Metrics, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metrics: open %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS training_log(
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			ts    INTEGER NOT NULL,
			epoch INTEGER NOT NULL,
			step  INTEGER NOT NULL,
			loss  REAL NOT NULL,
			lr    REAL NOT NULL
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metrics: create table: %w", err)
	}
	return &Metrics{db: db}, nil
}

// LogStep appends one step's scalars.
func (m *Metrics) LogStep(epoch, step int, loss, lr float64) error {
	_, err := m.db.Exec(
		"INSERT INTO training_log(ts, epoch, step, loss, lr) VALUES(?,?,?,?,?)",
		time.Now().Unix(), epoch, step, loss, lr)
	if err != nil {
		return fmt.Errorf("metrics: log step %d: %w", step, err)
	}
	return nil
}

// LastSteps returns the most recent records, newest first.
func (m *Metrics) LastSteps(limit int) ([]StepRecord, error) {
	rows, err := m.db.Query(
		"SELECT epoch, step, loss, lr FROM training_log ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("metrics: query: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.Epoch, &r.Step, &r.Loss, &r.LR); err != nil {
			return nil, fmt.Errorf("metrics: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (m *Metrics) Close() error {
	return m.db.Close()
}
