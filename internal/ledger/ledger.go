package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/tendant/imgpixel/pkg/pipeline"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for drivers other than sqlite and postgres
var ErrUnknownDriver = errors.New("unknown ledger driver")

// Ledger records background removals and prepared exports
type Ledger struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Removal is one row of the removal history
type Removal struct {
	SourceHash  string
	SourceName  string
	MasterFile  string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	SeenCount   int
}

// Export is one row of the export history
type Export struct {
	ID         int64
	MasterFile string
	OutputFile string
	Options    pipeline.ExportOptions
	Filename   string
	CreatedAt  time.Time
}

// Open connects to the ledger database and creates its tables
func Open(ctx context.Context, driver, dsn string) (*Ledger, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if driver == DriverSQLite {
		// An in-memory database exists per connection.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	l := &Ledger{db: db, driver: driver, now: time.Now}
	if err := l.ensureTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) ensureTables(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if l.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS imgpixel_removals (
			source_hash TEXT PRIMARY KEY,
			source_name TEXT NOT NULL,
			master_file TEXT NOT NULL,
			first_seen_at BIGINT NOT NULL,
			last_seen_at BIGINT NOT NULL,
			seen_count INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS imgpixel_exports (
			id ` + idColumn + `,
			master_file TEXT NOT NULL,
			output_file TEXT NOT NULL,
			format TEXT NOT NULL,
			resolution TEXT NOT NULL,
			filename TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to create ledger tables: %w", err)
		}
	}

	log.Debug().Str("driver", l.driver).Msg("ledger tables ready")
	return nil
}

// RecordRemoval upserts a removal by source hash and returns how many times
// the same source bytes have been processed
func (l *Ledger) RecordRemoval(ctx context.Context, sourceHash uint64, sourceName string, masterFile string) (int, error) {
	query := `
		INSERT INTO imgpixel_removals (source_hash, source_name, master_file, first_seen_at, last_seen_at, seen_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (source_hash) DO UPDATE
		SET last_seen_at = excluded.last_seen_at,
		    seen_count = imgpixel_removals.seen_count + 1,
		    source_name = excluded.source_name,
		    master_file = excluded.master_file
		RETURNING seen_count
	`

	now := l.now().UnixMilli()
	var seenCount int
	err := l.db.QueryRowContext(ctx, l.db.Rebind(query), HashKey(sourceHash), sourceName, masterFile, now, now).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record removal: %w", err)
	}
	return seenCount, nil
}

// RecordExport appends a prepared export
func (l *Ledger) RecordExport(ctx context.Context, masterFile string, outputFile string, opts pipeline.ExportOptions, filename string) error {
	query := `
		INSERT INTO imgpixel_exports (master_file, output_file, format, resolution, filename, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, l.db.Rebind(query), masterFile, outputFile, string(opts.Format), string(opts.Resolution), filename, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record export: %w", err)
	}
	return nil
}

// Removal returns the removal row for a source hash
func (l *Ledger) Removal(ctx context.Context, sourceHash uint64) (*Removal, error) {
	query := `
		SELECT source_hash, source_name, master_file, first_seen_at, last_seen_at, seen_count
		FROM imgpixel_removals WHERE source_hash = ?
	`

	var (
		r           Removal
		first, last int64
	)
	err := l.db.QueryRowContext(ctx, l.db.Rebind(query), HashKey(sourceHash)).
		Scan(&r.SourceHash, &r.SourceName, &r.MasterFile, &first, &last, &r.SeenCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get removal: %w", err)
	}
	r.FirstSeenAt = time.UnixMilli(first)
	r.LastSeenAt = time.UnixMilli(last)
	return &r, nil
}

// Exports returns the most recent exports, newest first. A non-positive limit returns all.
func (l *Ledger) Exports(ctx context.Context, limit int) ([]Export, error) {
	query := `
		SELECT id, master_file, output_file, format, resolution, filename, created_at
		FROM imgpixel_exports ORDER BY id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	defer rows.Close()

	var out []Export
	for rows.Next() {
		var (
			e                  Export
			format, resolution string
			created            int64
		)
		if err := rows.Scan(&e.ID, &e.MasterFile, &e.OutputFile, &format, &resolution, &e.Filename, &created); err != nil {
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		e.Options = pipeline.ExportOptions{Format: pipeline.Format(format), Resolution: pipeline.Resolution(resolution)}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	return out, nil
}

// HashKey renders a source hash as the fixed-width hex key stored in the ledger
func HashKey(h uint64) string {
	return fmt.Sprintf("%016x", h)
}
