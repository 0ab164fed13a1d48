// Package store keeps encoded module images in a SQLite database, keyed by
// module name and tagged with their content hash. A Store is a
// vm.ModuleLoader, so a module registry can fall back to it on a cache miss.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/zrvm/vm"
	"github.com/chazu/zrvm/vm/image"
)

var log = commonlog.GetLogger("zr.store")

var (
	// ErrNotFound indicates the requested module is not stored.
	ErrNotFound = errors.New("module not found")

	// ErrCorrupt indicates a stored image no longer matches its hash.
	ErrCorrupt = errors.New("stored image does not match its hash")
)

const schema = `CREATE TABLE IF NOT EXISTS modules (
	name        TEXT PRIMARY KEY,
	hash        TEXT NOT NULL,
	image       BLOB NOT NULL,
	imported_at INTEGER NOT NULL,
	batch       TEXT NOT NULL
)`

// Entry describes one stored module.
type Entry struct {
	Name       string
	Hash       [32]byte
	Size       int
	ImportedAt time.Time
	Batch      string
}

// HashPrefix returns the first n hex digits of the hash.
func (e Entry) HashPrefix(n int) string {
	h := hex.EncodeToString(e.Hash[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}

// Store is a SQLite-backed module image store.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the store at path, creating parent directories as
// needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened module store %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Put stores one encoded module image under name, replacing any previous
// version, and returns its entry.
func (s *Store) Put(ctx context.Context, name string, data []byte) (Entry, error) {
	entries, err := s.Import(ctx, map[string][]byte{name: data})
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// Import stores several images in one transaction. All entries share a
// batch ID. Images are validated before anything is written; the
// returned entries are ordered by name.
func (s *Store) Import(ctx context.Context, images map[string][]byte) ([]Entry, error) {
	batch := uuid.New().String()
	now := time.Now().UTC()

	entries := make([]Entry, 0, len(images))
	for name, data := range images {
		if name == "" {
			return nil, fmt.Errorf("importing: empty module name")
		}
		if _, err := image.DecodeModule(data); err != nil {
			return nil, fmt.Errorf("importing %s: %w", name, err)
		}
		entries = append(entries, Entry{
			Name:       name,
			Hash:       image.Hash(data),
			Size:       len(data),
			ImportedAt: now,
			Batch:      batch,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting import: %w", err)
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO modules (name, hash, image, imported_at, batch) VALUES (?, ?, ?, ?, ?)",
			e.Name, hex.EncodeToString(e.Hash[:]), images[e.Name], e.ImportedAt.UnixMilli(), e.Batch,
		)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("saving module %s: %w", e.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing import: %w", err)
	}

	log.Infof("imported %d module(s) in batch %s", len(entries), batch)
	return entries, nil
}

// Get returns the stored image bytes and entry for name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, Entry, error) {
	var (
		data []byte
		hash string
		at   int64
		e    = Entry{Name: name}
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT hash, image, imported_at, batch FROM modules WHERE name = ?", name,
	).Scan(&hash, &data, &at, &e.Batch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, Entry{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, Entry{}, fmt.Errorf("querying module: %w", err)
	}
	if e.Hash, err = parseHash(hash); err != nil {
		return nil, Entry{}, fmt.Errorf("module %s: %w", name, err)
	}
	e.Size = len(data)
	e.ImportedAt = time.UnixMilli(at).UTC()
	return data, e, nil
}

// List returns every stored module, ordered by name.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, hash, length(image), imported_at, batch FROM modules ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e    Entry
			hash string
			at   int64
		)
		if err := rows.Scan(&e.Name, &hash, &e.Size, &at, &e.Batch); err != nil {
			return nil, fmt.Errorf("scanning module: %w", err)
		}
		if e.Hash, err = parseHash(hash); err != nil {
			return nil, fmt.Errorf("module %s: %w", e.Name, err)
		}
		e.ImportedAt = time.UnixMilli(at).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the named module.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM modules WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting module: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return nil
}

// LoadModule decodes the named module after checking the image against its
// recorded hash. The module takes the name it was stored under.
func (s *Store) LoadModule(ctx context.Context, name string) (*vm.Module, error) {
	data, e, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if image.Hash(data) != e.Hash {
		return nil, fmt.Errorf("%s: %w", name, ErrCorrupt)
	}
	m, err := image.DecodeModule(data)
	if err != nil {
		return nil, err
	}
	if m.Name != name {
		log.Debugf("module stored as %s was built as %q", name, m.Name)
		m.Rename(name)
	}
	return m, nil
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("malformed hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

var _ vm.ModuleLoader = (*Store)(nil)
