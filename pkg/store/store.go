// Package store persists extraction results in a SQLite database so runs
// over many datasets can be queried together.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/extraction"
)

// timeLayout has a fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrRunNotFound is returned when a run ID is not in the database
var ErrRunNotFound = errors.New("run not found")

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		observations INTEGER NOT NULL,
		components INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS compartments (
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		tissue TEXT NOT NULL,
		voxels INTEGER NOT NULL,
		removed INTEGER NOT NULL,
		resampled BOOLEAN NOT NULL,
		variance_ratio TEXT NOT NULL,
		PRIMARY KEY (run_id, position),
		FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS result_columns (
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (run_id, position),
		FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS cells (
		run_id TEXT NOT NULL,
		observation INTEGER NOT NULL,
		position INTEGER NOT NULL,
		value DOUBLE,
		PRIMARY KEY (run_id, observation, position),
		FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS runs_source ON runs(source);
`

// DB is a results database
type DB struct {
	*sql.DB
}

// Open opens or creates the database at path and ensures the schema exists
func Open(path string) (*DB, error) {
	// Pragmas in the DSN apply to every connection the pool opens
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids lock contention
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &DB{db}, nil
}

// Run is the metadata of a stored result
type Run struct {
	ID           uuid.UUID
	Source       string
	Observations int
	Components   int
	CreatedAt    time.Time
}

// SaveResult stores a result in a single transaction
func (db *DB) SaveResult(ctx context.Context, res *extraction.Result) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := res.RunID.String()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (run_id, source, observations, components, created_at) VALUES (?, ?, ?, ?, ?)",
		id, res.Source, res.Observations, res.Components, res.CreatedAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, c := range res.Compartments {
		ratio, err := json.Marshal(c.VarianceRatio)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO compartments (run_id, position, tissue, voxels, removed, resampled, variance_ratio) VALUES (?, ?, ?, ?, ?, ?, ?)",
			id, i, c.Tissue.Prefix(), c.Voxels, c.Removed, c.Resampled, string(ratio)); err != nil {
			return fmt.Errorf("failed to insert compartment: %w", err)
		}
	}

	for i, name := range res.Columns {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO result_columns (run_id, position, name) VALUES (?, ?, ?)", id, i, name); err != nil {
			return fmt.Errorf("failed to insert column: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO cells (run_id, observation, position, value) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for obs, row := range res.Rows {
		for pos, v := range row {
			var value sql.NullFloat64
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				value = sql.NullFloat64{Float64: v, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, id, obs, pos, value); err != nil {
				return fmt.Errorf("failed to insert cell: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ListRuns returns stored runs, newest first. A non-empty source filters
// by dataset path.
func (db *DB) ListRuns(ctx context.Context, source string) ([]Run, error) {
	query := "SELECT run_id, source, observations, components, created_at FROM runs"
	var args []any
	if source != "" {
		query += " WHERE source = ?"
		args = append(args, source)
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var run Run
	var id, created string
	if err := s.Scan(&id, &run.Source, &run.Observations, &run.Components, &created); err != nil {
		return run, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return run, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	run.ID = parsed
	if run.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return run, fmt.Errorf("invalid timestamp %q: %w", created, err)
	}
	return run, nil
}

// LoadResult reconstructs a stored result
func (db *DB) LoadResult(ctx context.Context, id uuid.UUID) (*extraction.Result, error) {
	row := db.QueryRowContext(ctx,
		"SELECT run_id, source, observations, components, created_at FROM runs WHERE run_id = ?", id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	res := &extraction.Result{
		RunID:        run.ID,
		Source:       run.Source,
		Observations: run.Observations,
		Components:   run.Components,
		CreatedAt:    run.CreatedAt,
	}

	if res.Compartments, err = db.loadCompartments(ctx, id); err != nil {
		return nil, err
	}
	if res.Columns, err = db.loadColumns(ctx, id); err != nil {
		return nil, err
	}
	if res.Rows, err = db.loadCells(ctx, id, run.Observations, len(res.Columns)); err != nil {
		return nil, err
	}
	return res, nil
}

func (db *DB) loadCompartments(ctx context.Context, id uuid.UUID) ([]extraction.CompartmentSummary, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT tissue, voxels, removed, resampled, variance_ratio FROM compartments WHERE run_id = ? ORDER BY position", id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []extraction.CompartmentSummary
	for rows.Next() {
		var c extraction.CompartmentSummary
		var prefix, ratio string
		if err := rows.Scan(&prefix, &c.Voxels, &c.Removed, &c.Resampled, &ratio); err != nil {
			return nil, err
		}
		if c.Tissue, err = models.ParseTissue(prefix); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ratio), &c.VarianceRatio); err != nil {
			return nil, fmt.Errorf("invalid variance ratio: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) loadColumns(ctx context.Context, id uuid.UUID) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM result_columns WHERE run_id = ? ORDER BY position", id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (db *DB) loadCells(ctx context.Context, id uuid.UUID, observations, columns int) ([][]float64, error) {
	table := make([][]float64, observations)
	for i := range table {
		table[i] = make([]float64, columns)
		for j := range table[i] {
			table[i][j] = math.NaN()
		}
	}

	rows, err := db.QueryContext(ctx, "SELECT observation, position, value FROM cells WHERE run_id = ?", id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var obs, pos int
		var value sql.NullFloat64
		if err := rows.Scan(&obs, &pos, &value); err != nil {
			return nil, err
		}
		if obs < 0 || obs >= observations || pos < 0 || pos >= columns {
			return nil, fmt.Errorf("cell (%d, %d) outside a %dx%d table", obs, pos, observations, columns)
		}
		if value.Valid {
			table[obs][pos] = value.Float64
		}
	}
	return table, rows.Err()
}

// DeleteRun removes a run and everything stored with it
func (db *DB) DeleteRun(ctx context.Context, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
