// Package records provides the durable ledger store backed by SQLite.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/ledger"

	_ "modernc.org/sqlite"
)

const (
	defaultDBFile        = "ledger.db"
	defaultBackupDirName = "backups"
	maxBusyTimeoutMs     = 5000
	defaultMaxBackups    = 20
)

var errNoBackups = errors.New("no ledger backups available")

// ErrUnreadableDatabase is returned by NewStore when the database cannot be
// opened, no backup exists and empty recovery was not enabled.
var ErrUnreadableDatabase = errors.New("ledger database is unreadable and no backup exists")

// Store implements ledger.Store on a SQLite database file. Each Update runs
// in one SQL transaction.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	file      string
	backupDir string
	updates   chan struct{}
	logger    *zap.Logger

	emptyRecovery bool
}

// Option configures a Store.
type Option func(*Store)

// WithEmptyRecovery lets NewStore start an empty ledger when the database is
// unreadable and there is no backup. The unreadable files are kept beside
// the database as <file>.corrupt-<unix>.
func WithEmptyRecovery() Option {
	return func(s *Store) { s.emptyRecovery = true }
}

// WithLogger sets the logger used to report recovery.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

var _ ledger.Store = (*Store)(nil)

// NewStore opens or creates the ledger database at filePath. A database that
// cannot be opened is set aside and replaced by the newest backup. Without a
// backup NewStore fails with ErrUnreadableDatabase unless WithEmptyRecovery
// is given.
func NewStore(filePath string, opts ...Option) (*Store, error) {
	if filePath == "" {
		filePath = defaultDBFile
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}

	s := &Store{
		file:      absPath,
		backupDir: filepath.Join(filepath.Dir(absPath), defaultBackupDirName),
		updates:   make(chan struct{}, 1),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	if err := s.tryOpenOrRecover(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the absolute database file path.
func (s *Store) Path() string { return s.file }

// BackupDir returns the directory backups are written to.
func (s *Store) BackupDir() string { return s.backupDir }

// Updates returns a channel that receives a value whenever a write commits.
func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeDB()
}

// View runs fn against committed state. Writes through the Tx fail with
// ledger.ErrReadOnly.
func (s *Store) View(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{ctx: ctx, tx: tx})
}

// Update runs fn in a single SQL transaction, committing only if fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, writable: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	s.notify()
	return nil
}

func (s *Store) tryOpenOrRecover() error {
	err := s.openDB()
	if err == nil {
		if err = s.ensureSchema(); err == nil {
			return nil
		}
	}
	if recErr := s.recoverDatabase(err); recErr != nil {
		return recErr
	}
	if err := s.ensureSchema(); err != nil {
		_ = s.closeDB()
		return err
	}
	return nil
}

func (s *Store) openDB() error {
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		filepath.Clean(s.file), maxBusyTimeoutMs)

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}

	s.db = db
	return nil
}

func (s *Store) recoverDatabase(openErr error) error {
	err := s.restoreLatestBackup()
	if err == nil {
		return nil
	}
	if !errors.Is(err, errNoBackups) {
		return fmt.Errorf("restore database after %v: %w", openErr, err)
	}
	if !s.emptyRecovery {
		_ = s.closeDB()
		return fmt.Errorf("%w: %v", ErrUnreadableDatabase, openErr)
	}
	moved, err := s.quarantineDatabaseFiles()
	if err != nil {
		return fmt.Errorf("set aside database after %v: %w", openErr, err)
	}
	if err := s.openDB(); err != nil {
		return fmt.Errorf("create fresh database after %v: %w", openErr, err)
	}
	s.logger.Warn("started an empty ledger", zap.String("unreadable", moved), zap.Error(openErr))
	return nil
}

func (s *Store) closeDB() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// quarantineDatabaseFiles moves the database and its WAL side files to
// <file>.corrupt-<unix> so nothing is lost when recovery replaces them.
func (s *Store) quarantineDatabaseFiles() (string, error) {
	_ = s.closeDB()

	stamp := time.Now().Unix()
	for {
		if _, err := os.Stat(fmt.Sprintf("%s.corrupt-%d", s.file, stamp)); errors.Is(err, os.ErrNotExist) {
			break
		}
		stamp++
	}
	target := fmt.Sprintf("%s.corrupt-%d", s.file, stamp)

	for _, side := range []string{"", "-wal", "-shm"} {
		if err := os.Rename(s.file+side, target+side); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("quarantine %s: %w", filepath.Base(s.file+side), err)
		}
	}
	return target, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			item_id INTEGER PRIMARY KEY,
			metadata_uri TEXT NOT NULL,
			seller TEXT NOT NULL,
			custodian TEXT NOT NULL,
			price TEXT NOT NULL,
			status TEXT NOT NULL,
			fee_held TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			next_id INTEGER NOT NULL,
			removed_count INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO counters (id, next_id, removed_count) VALUES (1, 1, 0)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			admin TEXT NOT NULL,
			escrow TEXT NOT NULL,
			listing_fee TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			account TEXT PRIMARY KEY,
			amount TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transfers (
			seq INTEGER PRIMARY KEY,
			item_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			from_account TEXT NOT NULL,
			to_account TEXT NOT NULL,
			amount TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transfers_by_item ON transfers (item_id, seq)`,
		`CREATE TABLE IF NOT EXISTS nonces (
			account TEXT PRIMARY KEY,
			nonce INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chain_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			height INTEGER NOT NULL,
			app_hash BLOB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
