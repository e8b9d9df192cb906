// Package cache stores compiled dumps in SQLite, keyed by a hash of the
// source text and the options that shaped the dump.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/fluid/compiler"
	"github.com/chazu/fluid/pkg/bytecode"
)

var log = commonlog.GetLogger("fluid.cache")

// ErrNotFound indicates the key has no cached dump.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached dump.
type Entry struct {
	ID        string
	Key       string
	ChunkName string
	Dump      []byte
	Created   time.Time
}

// Cache handles SQLite storage for compiled dumps.
type Cache struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the cache database at path. The special path
// ":memory:" keeps the cache in memory.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS dumps (
		key     TEXT PRIMARY KEY,
		id      TEXT NOT NULL,
		chunk   TEXT NOT NULL,
		dump    BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Cache{db: db, path: path}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Path returns the database location.
func (c *Cache) Path() string { return c.path }

// Key returns the cache key for compiling src under chunkName with opts.
func Key(src []byte, chunkName string, opts bytecode.DumpOptions) string {
	h := sha256.New()
	h.Write(src)
	h.Write([]byte{0})
	h.Write([]byte(chunkName))
	h.Write([]byte{0, boolByte(opts.Strip), boolByte(opts.BigEndian), boolByte(opts.Wide)})
	return hex.EncodeToString(h.Sum(nil))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Get returns the entry stored under key, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{Key: key}
	var created int64
	err := c.db.QueryRowContext(ctx,
		"SELECT id, chunk, dump, created FROM dumps WHERE key = ?", key,
	).Scan(&e.ID, &e.ChunkName, &e.Dump, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying dump: %w", err)
	}
	e.Created = time.Unix(created, 0)
	return e, nil
}

// Put stores a dump under key, replacing any previous entry, and returns
// the new entry's ID.
func (c *Cache) Put(ctx context.Context, key, chunkName string, dump []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO dumps (key, id, chunk, dump, created) VALUES (?, ?, ?, ?, ?)",
		key, id, chunkName, dump, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("saving dump: %w", err)
	}
	return id, nil
}

// Len returns the number of cached dumps.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dumps").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dumps: %w", err)
	}
	return n, nil
}

// Purge deletes entries created before the cutoff and returns how many
// were removed.
func (c *Cache) Purge(ctx context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, "DELETE FROM dumps WHERE created < ?", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("purging dumps: %w", err)
	}
	return res.RowsAffected()
}

// Compile returns the dump of src, compiling and storing it on a miss.
// The bool result reports a cache hit.
func (c *Cache) Compile(ctx context.Context, src []byte, chunkName string, opts bytecode.DumpOptions) ([]byte, bool, error) {
	key := Key(src, chunkName, opts)
	e, err := c.Get(ctx, key)
	if err == nil {
		log.Debugf("cache hit for %s (%s)", compiler.ChunkID(chunkName), e.ID)
		return e.Dump, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	log.Debugf("cache miss for %s", compiler.ChunkID(chunkName))

	pt, err := compiler.Compile(src, chunkName, compiler.Options{})
	if err != nil {
		return nil, false, err
	}
	dump, err := bytecode.Dump(pt, opts)
	if err != nil {
		return nil, false, err
	}
	if _, err := c.Put(ctx, key, chunkName, dump); err != nil {
		return nil, false, err
	}
	return dump, false, nil
}
