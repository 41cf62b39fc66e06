package catalog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/chaz8081/rf433-gateway/internal/rfswitch"
)

// File permissions for the catalog file and its directory.
const (
	dirPermissions  = 0750
	filePermissions = 0600
)

const fileFormatVersion = 1

// FileStore keeps the catalog in a single JSON document guarded by a
// BLAKE2b checksum, so a truncated or hand-mangled file is detected on load.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

type fileBody struct {
	Version  int               `json:"version"`
	Device   Device            `json:"device"`
	Switches []rfswitch.Switch `json:"switches"`
}

type fileDoc struct {
	fileBody
	Checksum string `json:"checksum"`
}

func checksum(b fileBody) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Load reads the catalog. A missing file is an empty catalog.
func (s *FileStore) Load(_ context.Context) (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading catalog file: %w", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if doc.Version != fileFormatVersion {
		return Snapshot{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}
	want, err := checksum(doc.fileBody)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if doc.Checksum != want {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return Snapshot{Switches: doc.Switches, Device: doc.Device}, nil
}

// Save writes the catalog atomically via a temporary file and rename.
func (s *FileStore) Save(_ context.Context, snap Snapshot) error {
	body := fileBody{
		Version:  fileFormatVersion,
		Device:   snap.Device,
		Switches: snap.Switches,
	}
	if body.Switches == nil {
		body.Switches = []rfswitch.Switch{}
	}
	sum, err := checksum(body)
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	data, err := json.MarshalIndent(fileDoc{fileBody: body, Checksum: sum}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("creating temp catalog: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing catalog: %w", err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		tmp.Close()
		return fmt.Errorf("setting catalog permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing catalog: %w", err)
	}
	return nil
}

// Close is a no-op; the file is not held open.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
