// Package resultsdb exports comparison tables to a SQLite database.
package resultsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/op/go-logging"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/Emberwhirl/mixedmodels-misc/compare"
)

var log = logging.MustGetLogger("resultsdb")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS estimates (
		model TEXT NOT NULL,
		term TEXT NOT NULL,
		estimate REAL NOT NULL,
		se REAL,
		PRIMARY KEY (model, term)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		model TEXT PRIMARY KEY,
		engine TEXT NOT NULL,
		seconds REAL NOT NULL,
		converged INTEGER NOT NULL,
		loglike REAL,
		iterations INTEGER NOT NULL,
		func_evals INTEGER NOT NULL,
		warnings INTEGER NOT NULL,
		error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS bias (
		model TEXT PRIMARY KEY,
		n INTEGER NOT NULL,
		mae REAL,
		rmse REAL,
		max_err REAL,
		max_term TEXT
	)`,
}

// Run is one row of the runs table.  Failed fits have a non-empty
// Error and a NaN LogLike.
type Run struct {
	compare.Runtime
	LogLike float64
	Error   string
}

// DB is a results database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, s := range schema {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}
	return &DB{db: db, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database path.
func (d *DB) Path() string { return d.path }

// nullable maps NaN and infinite values to NULL.
func nullable(x float64) sql.NullFloat64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: x, Valid: true}
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteEstimates upserts the rows of a table.
func (d *DB) WriteEstimates(ctx context.Context, tab compare.Table) error {
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range tab {
			if _, err := tx.ExecContext(ctx, `INSERT INTO estimates(model,term,estimate,se) VALUES(?,?,?,?)
				ON CONFLICT(model,term) DO UPDATE SET estimate=excluded.estimate, se=excluded.se`,
				e.Model, e.Term, e.Estimate, nullable(e.StdErr)); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", e.Model, e.Term, err)
			}
		}
		return nil
	})
	if err == nil {
		log.Debugf("wrote %d estimates to %s", len(tab), d.path)
	}
	return err
}

// WriteRuns upserts run records.
func (d *DB) WriteRuns(ctx context.Context, runs []Run) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range runs {
			var errText sql.NullString
			if r.Error != "" {
				errText = sql.NullString{String: r.Error, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO runs(model,engine,seconds,converged,loglike,iterations,func_evals,warnings,error)
				VALUES(?,?,?,?,?,?,?,?,?)
				ON CONFLICT(model) DO UPDATE SET engine=excluded.engine, seconds=excluded.seconds,
				converged=excluded.converged, loglike=excluded.loglike, iterations=excluded.iterations,
				func_evals=excluded.func_evals, warnings=excluded.warnings, error=excluded.error`,
				r.Model, r.Engine, r.Seconds, r.Converged, nullable(r.LogLike), r.Iterations,
				r.FuncEvals, r.Warnings, errText); err != nil {
				return fmt.Errorf("upsert run %s: %w", r.Model, err)
			}
		}
		return nil
	})
}

// WriteBias upserts bias rows.
func (d *DB) WriteBias(ctx context.Context, rows []compare.BiasRow) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, `INSERT INTO bias(model,n,mae,rmse,max_err,max_term) VALUES(?,?,?,?,?,?)
				ON CONFLICT(model) DO UPDATE SET n=excluded.n, mae=excluded.mae, rmse=excluded.rmse,
				max_err=excluded.max_err, max_term=excluded.max_term`,
				r.Model, r.N, nullable(r.MAE), nullable(r.RMSE), nullable(r.MaxErr), r.MaxTerm); err != nil {
				return fmt.Errorf("upsert bias %s: %w", r.Model, err)
			}
		}
		return nil
	})
}

// Estimates reads back the estimates of one model, or of every model
// when model is empty, ordered by model and term.
func (d *DB) Estimates(ctx context.Context, model string) (compare.Table, error) {

	q := `SELECT model, term, estimate, se FROM estimates`
	var args []interface{}
	if model != "" {
		q += ` WHERE model = ?`
		args = append(args, model)
	}
	q += ` ORDER BY model, term`

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select estimates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tab compare.Table
	for rows.Next() {
		var e compare.Estimate
		var se sql.NullFloat64
		if err := rows.Scan(&e.Model, &e.Term, &e.Estimate, &se); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.StdErr = math.NaN()
		if se.Valid {
			e.StdErr = se.Float64
		}
		tab = append(tab, e)
	}

	return tab, rows.Err()
}

// Runs reads back the run records ordered by model.
func (d *DB) Runs(ctx context.Context) ([]Run, error) {

	rows, err := d.db.QueryContext(ctx, `SELECT model, engine, seconds, converged, loglike, iterations,
		func_evals, warnings, error FROM runs ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var ll sql.NullFloat64
		var errText sql.NullString
		if err := rows.Scan(&r.Model, &r.Engine, &r.Seconds, &r.Converged, &ll, &r.Iterations,
			&r.FuncEvals, &r.Warnings, &errText); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.LogLike = math.NaN()
		if ll.Valid {
			r.LogLike = ll.Float64
		}
		r.Error = errText.String
		runs = append(runs, r)
	}

	return runs, rows.Err()
}
