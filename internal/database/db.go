// Package database provides the bbolt-backed durable store for worktime
package database

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/intranet/worktime/internal/core/interfaces"
	"github.com/intranet/worktime/pkg/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BucketWorktime holds every key of the local store
const BucketWorktime = "worktime"

// ErrClosed is returned by operations on a store that is not open
var ErrClosed = errors.New("database is not open")

// Manager manages the BoltDB database connection
type Manager struct {
	DB      *bolt.DB
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	isOpen  bool
	options *Options
}

var _ interfaces.LocalStore = (*Manager)(nil)

// Options represents database options
type Options struct {
	Path     string        `json:"path"`
	FileMode uint32        `json:"file_mode"`
	Timeout  time.Duration `json:"timeout"`
	ReadOnly bool          `json:"read_only"`
	NoSync   bool          `json:"no_sync"`
}

// DefaultPath returns the database location under the XDG data dir
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "worktime", "worktime.db")
}

// DefaultOptions returns default database options
func DefaultOptions() *Options {
	return &Options{
		Path:     DefaultPath(),
		FileMode: 0600,
		Timeout:  1 * time.Second,
		ReadOnly: false,
		NoSync:   false,
	}
}

// NewManager creates a new database manager
func NewManager(options *Options) (*Manager, error) {
	if options == nil {
		options = DefaultOptions()
	}
	if options.Path == "" {
		options.Path = DefaultPath()
	}
	if options.FileMode == 0 {
		options.FileMode = 0600
	}
	if options.Timeout == 0 {
		options.Timeout = 1 * time.Second
	}

	return &Manager{
		path:    options.Path,
		logger:  logger.Get(),
		options: options,
	}, nil
}

// Open opens the database connection
func (m *Manager) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isOpen {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(m.path, os.FileMode(m.options.FileMode), &bolt.Options{
		Timeout:  m.options.Timeout,
		ReadOnly: m.options.ReadOnly,
		NoSync:   m.options.NoSync,
	})
	if err != nil {
		return fmt.Errorf("failed to open database (is another worktime process running?): %w", err)
	}

	m.DB = db
	m.isOpen = true

	if !m.options.ReadOnly {
		if err := m.initBuckets(); err != nil {
			m.DB.Close()
			m.isOpen = false
			return fmt.Errorf("failed to initialize buckets: %w", err)
		}
	}

	m.logger.Debug("Database opened", zap.String("path", m.path))
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOpen || m.DB == nil {
		return nil
	}

	if err := m.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	m.isOpen = false
	m.logger.Debug("Database closed")
	return nil
}

func (m *Manager) initBuckets() error {
	return m.DB.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(BucketWorktime)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", BucketWorktime, err)
		}
		return nil
	})
}

// IsOpen checks if the database is open
func (m *Manager) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOpen
}

// Path returns the database file location
func (m *Manager) Path() string {
	return m.path
}

// View runs fn in a read-only transaction
func (m *Manager) View(fn func(tx interfaces.StoreTx) error) error {
	if !m.IsOpen() {
		return ErrClosed
	}
	return m.DB.View(m.inBucket(fn))
}

// Update runs fn in a read-write transaction
func (m *Manager) Update(fn func(tx interfaces.StoreTx) error) error {
	if !m.IsOpen() {
		return ErrClosed
	}
	return m.DB.Update(m.inBucket(fn))
}

func (m *Manager) inBucket(fn func(tx interfaces.StoreTx) error) func(*bolt.Tx) error {
	return func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(BucketWorktime))
		if b == nil {
			return fmt.Errorf("bucket %s not found", BucketWorktime)
		}
		return fn(&boltTx{bucket: b})
	}
}

// Backup writes a consistent copy of the database to path
func (m *Manager) Backup(path string) error {
	if !m.IsOpen() {
		return ErrClosed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	return m.DB.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// boltTx adapts a bucket to the StoreTx port
type boltTx struct {
	bucket *bolt.Bucket
}

func (t *boltTx) Get(key string) []byte {
	v := t.bucket.Get([]byte(key))
	if v == nil {
		return nil
	}
	// bbolt memory is only valid inside the transaction
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (t *boltTx) Put(key string, value []byte) error {
	return t.bucket.Put([]byte(key), value)
}

func (t *boltTx) Delete(key string) error {
	return t.bucket.Delete([]byte(key))
}

func (t *boltTx) Keys(prefix string) []string {
	var keys []string
	p := []byte(prefix)
	c := t.bucket.Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys
}
