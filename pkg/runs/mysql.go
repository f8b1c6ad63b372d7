// Package runs records training and test run summaries in MySQL.
package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// Summary is one finished run.
type Summary struct {
	ID         uuid.UUID
	ExpName    string
	LoggerName string
	Version    int
	Stage      string // "fit" or "test"
	StartedAt  time.Time
	FinishedAt time.Time
	Epoch      int
	GlobalStep int
	Metrics    map[string]float64
	Config     any // serialized as JSON
}

const schema = `
CREATE TABLE IF NOT EXISTS training_runs (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	run_id CHAR(36) NOT NULL UNIQUE,
	exp_name VARCHAR(255) NOT NULL,
	logger_name VARCHAR(255) NOT NULL,
	version INT NOT NULL,
	stage VARCHAR(16) NOT NULL,
	started_at DATETIME(6) NOT NULL,
	finished_at DATETIME(6) NOT NULL,
	epoch INT NOT NULL,
	global_step INT NOT NULL,
	config JSON NOT NULL
);
CREATE TABLE IF NOT EXISTS training_run_metrics (
	run_id BIGINT NOT NULL,
	name VARCHAR(255) NOT NULL,
	value DOUBLE NOT NULL,
	PRIMARY KEY (run_id, name)
);`

// Recorder writes summaries to a MySQL database.
type Recorder struct {
	db *sql.DB
}

// NormalizeDSN makes sure timestamps are parsed into time.Time and that the
// schema statements can be sent in one exec.
func NormalizeDSN(dsn string) string {
	for _, param := range []string{"parseTime=true", "multiStatements=true"} {
		key := param[:strings.IndexByte(param, '=')]
		if strings.Contains(dsn, key) {
			continue
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += param
	}
	return dsn
}

// Open connects to dsn and creates the tables if needed. An empty dsn
// returns a nil recorder.
func Open(ctx context.Context, dsn string) (*Recorder, error) {
	if dsn == "" {
		return nil, nil
	}

	db, err := sql.Open("mysql", NormalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating run tables: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record stores s and its metrics in one transaction.
func (r *Recorder) Record(ctx context.Context, s Summary) error {
	config, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("marshalling run config: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning MySQL transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO training_runs
			(run_id, exp_name, logger_name, version, stage, started_at, finished_at, epoch, global_step, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(),
		s.ExpName,
		s.LoggerName,
		s.Version,
		s.Stage,
		s.StartedAt.UTC(),
		s.FinishedAt.UTC(),
		s.Epoch,
		s.GlobalStep,
		config,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", s.ID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert ID for run %s: %w", s.ID, err)
	}

	for _, name := range slices.Sorted(maps.Keys(s.Metrics)) {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO training_run_metrics (run_id, name, value) VALUES (?, ?, ?)`,
			id,
			name,
			s.Metrics[name],
		); err != nil {
			return fmt.Errorf("inserting metric %q for run %s: %w", name, s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing MySQL transaction: %w", err)
	}
	return nil
}
