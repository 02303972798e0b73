package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/devrev/pairdb/replicator/internal/util"
	"go.uber.org/zap"
)

// CacheErrorKind classifies a failed cache load
type CacheErrorKind int

const (
	// CacheMiss means no cached topology exists
	CacheMiss CacheErrorKind = iota
	// CacheCorrupt means the file exists but cannot be trusted
	CacheCorrupt
	// CacheIO means the file could not be read or written
	CacheIO
)

// String returns the kind name used in logs
func (k CacheErrorKind) String() string {
	switch k {
	case CacheMiss:
		return "miss"
	case CacheCorrupt:
		return "corrupt"
	default:
		return "io"
	}
}

// CacheError is returned by LocalCache operations
type CacheError struct {
	Kind     CacheErrorKind
	Database string
	Err      error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("topology cache %s for %s: %v", e.Kind, e.Database, e.Err)
	}
	return fmt.Sprintf("topology cache %s for %s", e.Kind, e.Database)
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Err
}

// IsCacheMiss reports whether err is a CacheError of kind CacheMiss
func IsCacheMiss(err error) bool {
	var ce *CacheError
	return errors.As(err, &ce) && ce.Kind == CacheMiss
}

// LocalCache persists the last known topology of each database to disk.
// One file per database named <db>.topology.json.
type LocalCache struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewLocalCache creates a cache rooted at dir. The directory is created on first save.
func NewLocalCache(dir string, logger *zap.Logger) *LocalCache {
	return &LocalCache{dir: dir, logger: logger}
}

// Path returns the cache file of database
func (c *LocalCache) Path(database string) string {
	return filepath.Join(c.dir, url.PathEscape(database)+".topology.json")
}

// checksummed is the part of PersistedTopology covered by the checksum
type checksummed struct {
	Nodes []model.ServerNode `json:"Nodes"`
	Etag  int64              `json:"Etag"`
}

func checksumOf(nodes []model.ServerNode, etag int64) (uint32, error) {
	data, err := json.Marshal(checksummed{Nodes: nodes, Etag: etag})
	if err != nil {
		return 0, err
	}
	return util.ComputeChecksum(data), nil
}

// Load reads the cached topology of database
func (c *LocalCache) Load(database string) (*model.Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(database)
}

func (c *LocalCache) load(database string) (*model.Topology, error) {
	data, err := os.ReadFile(c.Path(database))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &CacheError{Kind: CacheMiss, Database: database}
		}
		return nil, &CacheError{Kind: CacheIO, Database: database, Err: err}
	}

	var persisted model.PersistedTopology
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, &CacheError{Kind: CacheCorrupt, Database: database, Err: err}
	}
	sum, err := checksumOf(persisted.Nodes, persisted.Etag)
	if err != nil {
		return nil, &CacheError{Kind: CacheCorrupt, Database: database, Err: err}
	}
	if sum != persisted.Checksum {
		return nil, &CacheError{
			Kind:     CacheCorrupt,
			Database: database,
			Err:      fmt.Errorf("checksum mismatch: stored %08x, computed %08x", persisted.Checksum, sum),
		}
	}

	return &model.Topology{Nodes: persisted.Nodes, Etag: persisted.Etag}, nil
}

// TrySave persists t unless the cached topology has an equal or higher etag.
// Returns whether the file was written.
func (c *LocalCache) TrySave(database string, t *model.Topology) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// a corrupt or unreadable file is overwritten
	if cached, err := c.load(database); err == nil && cached.Etag >= t.Etag {
		return false, nil
	}

	sum, err := checksumOf(t.Nodes, t.Etag)
	if err != nil {
		return false, &CacheError{Kind: CacheIO, Database: database, Err: err}
	}
	data, err := json.MarshalIndent(model.PersistedTopology{
		Nodes:       t.Nodes,
		Etag:        t.Etag,
		PersistedAt: time.Now().UTC(),
		Checksum:    sum,
	}, "", "  ")
	if err != nil {
		return false, &CacheError{Kind: CacheIO, Database: database, Err: err}
	}

	if err := c.writeAtomic(c.Path(database), data); err != nil {
		return false, &CacheError{Kind: CacheIO, Database: database, Err: err}
	}

	c.logger.Debug("Topology cached",
		zap.String("db", database),
		zap.Int64("etag", t.Etag),
		zap.Int("nodes", len(t.Nodes)))
	return true, nil
}

// writeAtomic replaces path through a synced temp file in the same directory
func (c *LocalCache) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Clear removes the cached topology of database. Missing files are not an error.
func (c *LocalCache) Clear(database string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.Path(database)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &CacheError{Kind: CacheIO, Database: database, Err: err}
	}
	return nil
}
