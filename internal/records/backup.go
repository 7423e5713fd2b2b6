package records

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BackupInfo describes one backup file.
type BackupInfo struct {
	Name      string    `json:"filename"`
	Path      string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// nameParts splits the database file name into the prefix and extension
// backup names are built from: ledger.db -> ledger-<unix>.db.
func (s *Store) nameParts() (prefix, ext string) {
	base := filepath.Base(s.file)
	ext = filepath.Ext(base)
	prefix = strings.TrimSuffix(base, ext)
	if prefix == "" {
		prefix = base
	}
	return prefix, ext
}

// ListBackups returns the backups oldest first.
func (s *Store) ListBackups() ([]BackupInfo, error) {
	prefix, ext := s.nameParts()
	return scanBackups(s.backupDir, prefix, ext)
}

func scanBackups(dir, prefix, ext string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ts := info.ModTime()
		stamp := strings.TrimPrefix(strings.TrimSuffix(name, ext), prefix+"-")
		if unix, err := strconv.ParseInt(stamp, 10, 64); err == nil {
			ts = time.Unix(unix, 0)
		}
		backups = append(backups, BackupInfo{
			Name:      name,
			Path:      filepath.Join(dir, name),
			Timestamp: ts.UTC(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].Timestamp.Equal(backups[j].Timestamp) {
			return backups[i].Name < backups[j].Name
		}
		return backups[i].Timestamp.Before(backups[j].Timestamp)
	})
	return backups, nil
}

func pruneBackups(dir, prefix, ext string, maxBackups int) {
	if maxBackups <= 0 {
		return
	}
	backups, err := scanBackups(dir, prefix, ext)
	if err != nil || len(backups) <= maxBackups {
		return
	}
	for _, b := range backups[:len(backups)-maxBackups] {
		_ = os.Remove(b.Path)
	}
}

func uniqueBackupPath(dir, prefix, ext string) string {
	timestamp := time.Now().Unix()
	for {
		path := filepath.Join(dir, fmt.Sprintf("%s-%d%s", prefix, timestamp, ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		timestamp++
	}
}

func (s *Store) restoreLatestBackup() error {
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return errNoBackups
	}

	latest := backups[len(backups)-1]
	moved, err := s.quarantineDatabaseFiles()
	if err != nil {
		return err
	}
	s.logger.Warn("restoring ledger from backup", zap.String("backup", latest.Name), zap.String("unreadable", moved))
	if err := copyFile(latest.Path, s.file); err != nil {
		return fmt.Errorf("copy backup %s: %w", latest.Name, err)
	}
	return s.openDB()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// BackupCurrent writes a snapshot of the database to a timestamped file and
// prunes old backups beyond maxBackups. Returns the backup path when created,
// or "" when there is no database file to back up.
func (s *Store) BackupCurrent(maxBackups int) (string, error) {
	snapshot, err := s.ExportSnapshot()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}

	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backup directory: %w", err)
	}

	prefix, ext := s.nameParts()
	backupPath := uniqueBackupPath(s.backupDir, prefix, ext)
	if err := os.WriteFile(backupPath, snapshot, 0o600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	pruneBackups(s.backupDir, prefix, ext, maxBackups)
	return backupPath, nil
}

// ExportSnapshot returns a consistent copy of the current database contents.
func (s *Store) ExportSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.file); errors.Is(err, os.ErrNotExist) {
		return nil, os.ErrNotExist
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.file), "ledger-export-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()
	// VACUUM INTO refuses an existing target.
	os.Remove(tempPath)
	defer os.Remove(tempPath)

	escaped := strings.ReplaceAll(tempPath, "'", "''")
	if _, err := s.db.Exec(fmt.Sprintf("VACUUM INTO '%s'", escaped)); err != nil {
		return nil, fmt.Errorf("vacuum into temp file: %w", err)
	}

	data, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, fmt.Errorf("read export file: %w", err)
	}
	return data, nil
}

// ImportSnapshot replaces the database with the given SQLite bytes. The
// existing database is moved into the backup directory; its path is
// returned. Callers must not run ledger operations concurrently.
func (s *Store) ImportSnapshot(data []byte, maxBackups int) (string, error) {
	if len(data) == 0 {
		return "", errors.New("snapshot data is empty")
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare backup directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "ledger-import-*.db")
	if err != nil {
		return "", fmt.Errorf("create temp import file: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return "", fmt.Errorf("write temp import file: %w", err)
	}
	tempFile.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.closeDB()
	prefix, ext := s.nameParts()

	var backupPath string
	if _, err := os.Stat(s.file); err == nil {
		backupPath = uniqueBackupPath(s.backupDir, prefix, ext)
		if err := os.Rename(s.file, backupPath); err != nil {
			_ = s.openDB()
			os.Remove(tempPath)
			return "", fmt.Errorf("move existing db aside: %w", err)
		}
		for _, side := range []string{s.file + "-wal", s.file + "-shm"} {
			_ = os.Remove(side)
		}
	}

	if err := os.Rename(tempPath, s.file); err != nil {
		if backupPath != "" {
			_ = os.Rename(backupPath, s.file)
		}
		os.Remove(tempPath)
		_ = s.openDB()
		return "", fmt.Errorf("activate imported db: %w", err)
	}

	if err := s.openDB(); err == nil {
		err = s.ensureSchema()
		if err == nil {
			pruneBackups(s.backupDir, prefix, ext, maxBackups)
			return backupPath, nil
		}
		_ = s.closeDB()
	}

	// The snapshot is unusable; put the previous database back.
	_ = os.Remove(s.file)
	if backupPath != "" {
		_ = os.Rename(backupPath, s.file)
	}
	_ = s.openDB()
	return "", errors.New("snapshot is not a usable ledger database")
}
