package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// @Title: Create Backup
// @Route: POST /api/backups
// @Description: Writes a timestamped copy of the ledger database into the backup directory and prunes the oldest copies
// @Response: {"status": "ok", "filename": "ledger-1700000000.db"}
func (s *Service) HandleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackups(w) {
		return
	}

	backupPath, err := s.backups.BackupCurrent(s.maxBackups)
	if err != nil {
		s.log(r).Error("failed to create backup", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create backup")
		return
	}

	s.log(r).Info("created ledger backup", zap.String("path", backupPath))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"filename": filepath.Base(backupPath),
	})
}

// @Title: List Backups
// @Route: GET /api/backups
// @Description: Lists the ledger backups, oldest first
// @Response: [{"filename": "ledger-1700000000.db", "timestamp": "...", "size": 8192}]
func (s *Service) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackups(w) {
		return
	}

	backups, err := s.backups.ListBackups()
	if err != nil {
		s.log(r).Error("failed to list backups", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}
	if backups == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, backups)
}

// @Title: Download Snapshot
// @Route: GET /api/snapshot
// @Description: Downloads a consistent copy of the ledger database. Restore it offline with mklctl restore.
// @Response: application/vnd.sqlite3 file download
func (s *Service) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireBackups(w) {
		return
	}

	data, err := s.backups.ExportSnapshot()
	if err != nil {
		s.log(r).Error("failed to export snapshot", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to export snapshot")
		return
	}

	filename := fmt.Sprintf("mkl-ledger-%s.db", time.Now().UTC().Format("2006-01-02T150405"))
	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(data)
	s.log(r).Info("served ledger snapshot", zap.String("filename", filename), zap.Int("bytes", len(data)))
}

func (s *Service) requireBackups(w http.ResponseWriter) bool {
	if s.backups == nil {
		s.writeError(w, http.StatusNotImplemented, "Backups require the sqlite store")
		return false
	}
	return true
}
