package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store backends accepted by OpenStore.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// OpenStore opens the store named by backend at path. A SQLite database
// that is not a database at all is moved aside and replaced by an empty
// one.
func OpenStore(ctx context.Context, backend, path string, logger *slog.Logger) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(path), nil
	case BackendSQLite:
		s, err := OpenSQLite(ctx, path)
		if err == nil {
			return s, nil
		}
		if !isCorrupt(err) {
			return nil, err
		}
		if logger == nil {
			logger = slog.Default()
		}
		aside, qerr := quarantine(path)
		if qerr != nil {
			return nil, fmt.Errorf("%w (moving it aside: %v)", err, qerr)
		}
		logger.Warn("catalog database unreadable, starting empty",
			"component", "catalog", "error", err, "moved_to", aside)
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("catalog: unknown backend %q", backend)
	}
}

func isCorrupt(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrNotADB || se.Code == sqlite3.ErrCorrupt
}

// quarantine renames the database and its WAL sidecars to a timestamped
// name next to it and returns the new database path.
func quarantine(path string) (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(path, aside); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); err == nil {
			_ = os.Rename(path+suffix, aside+suffix)
		}
	}
	return aside, nil
}
