package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chaz8081/rf433-gateway/internal/rfswitch"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	migrationsDir     = "migrations"
	busyTimeoutMillis = 5000
	pingTimeout       = 5 * time.Second
)

// SQLiteStore keeps the catalog in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at dbPath and applies
// pending migrations.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	_ = os.Chmod(dbPath, filePermissions) //nolint:errcheck // file may appear on first write

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// migrate applies every embedded *.up.sql not yet recorded in
// schema_migrations, oldest first, each in its own transaction.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, migrationsDir)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := migrationVersion(name)
		var applied int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if applied > 0 {
			continue
		}
		body, err := fs.ReadFile(migrationsFS, path.Join(migrationsDir, name))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, version, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, version, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", version, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("applying migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}

// migrationVersion extracts YYYYMMDD_HHMMSS from a migration filename.
func migrationVersion(name string) string {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 {
		return strings.TrimSuffix(name, ".up.sql")
	}
	return parts[0] + "_" + parts[1]
}

// Load reads all switches in catalog order and the last gateway device.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, on_code, off_code, pulse_length, bit_length, protocol
		FROM switches ORDER BY position`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("querying switches: %w", err)
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var sw rfswitch.Switch
		if err := rows.Scan(&sw.Name, &sw.OnCode, &sw.OffCode, &sw.PulseLength, &sw.BitLength, &sw.Protocol); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		snap.Switches = append(snap.Switches, sw)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterating switches: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT address, name FROM gateway_device WHERE id = 1`).
		Scan(&snap.Device.Address, &snap.Device.Name)
	if err != nil && err != sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("querying gateway device: %w", err)
	}
	return snap, nil
}

// Save replaces the stored catalog in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM switches`); err != nil {
		return fmt.Errorf("clearing switches: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO switches
		(position, name, on_code, off_code, pulse_length, bit_length, protocol)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()
	for i, sw := range snap.Switches {
		if _, err := stmt.ExecContext(ctx, i, sw.Name, sw.OnCode, sw.OffCode,
			sw.PulseLength, sw.BitLength, sw.Protocol); err != nil {
			return fmt.Errorf("inserting switch %q: %w", sw.Name, err)
		}
	}

	if snap.Device.Address == "" {
		_, err = tx.ExecContext(ctx, `DELETE FROM gateway_device`)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO gateway_device (id, address, name) VALUES (1, ?, ?)`,
			snap.Device.Address, snap.Device.Name)
	}
	if err != nil {
		return fmt.Errorf("saving gateway device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing catalog: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
