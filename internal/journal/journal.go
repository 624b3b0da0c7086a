// Package journal keeps an append-only log of tree operations in SQLite or
// PostgreSQL.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/flowshelf/internal/metrics"
	"github.com/fruitsalade/flowshelf/internal/models"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultLimit = 50

var schema = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS activity (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			op      TEXT    NOT NULL,
			path    TEXT    NOT NULL,
			target  TEXT    NOT NULL DEFAULT '',
			result  TEXT    NOT NULL,
			message TEXT    NOT NULL DEFAULT '',
			at      BIGINT  NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS activity_at_idx ON activity (at)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS activity (
			id      BIGSERIAL PRIMARY KEY,
			op      TEXT      NOT NULL,
			path    TEXT      NOT NULL,
			target  TEXT      NOT NULL DEFAULT '',
			result  TEXT      NOT NULL,
			message TEXT      NOT NULL DEFAULT '',
			at      BIGINT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS activity_at_idx ON activity (at)`,
	},
}

// Journal records activity rows.
type Journal struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the activity table if needed.
func Open(ctx context.Context, driver, dsn string) (*Journal, error) {
	if _, ok := schema[driver]; !ok {
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; concurrent writers get SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &Journal{db: db, driver: driver}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	for _, stmt := range schema[j.driver] {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create activity schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one activity row. A zero At is set to now.
func (j *Journal) Record(ctx context.Context, a models.Activity) error {
	start := time.Now()
	defer func() { metrics.RecordJournalQuery("record", time.Since(start)) }()

	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, j.rebind(
		`INSERT INTO activity (op, path, target, result, message, at) VALUES (?, ?, ?, ?, ?, ?)`),
		a.Op, a.Path, a.Target, a.Result, a.Message, a.At.UnixNano())
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first. A non-positive limit
// means the default of 50.
func (j *Journal) Recent(ctx context.Context, limit int) ([]models.Activity, error) {
	start := time.Now()
	defer func() { metrics.RecordJournalQuery("recent", time.Since(start)) }()

	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := j.db.QueryContext(ctx, j.rebind(
		`SELECT id, op, path, target, result, message, at FROM activity ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var at int64
		if err := rows.Scan(&a.ID, &a.Op, &a.Path, &a.Target, &a.Result, &a.Message, &at); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.At = time.Unix(0, at).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (j *Journal) rebind(query string) string {
	if j.driver != DriverPostgres {
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
