package quarantine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"pocketshield/logger"
	"pocketshield/store"
)

var (
	// ErrNotRestorable marks records whose payload is gone or was
	// quarantined without restore support.
	ErrNotRestorable = errors.New("quarantine: record not restorable")
	// ErrOriginalOccupied means a different file now sits at the
	// original path.
	ErrOriginalOccupied = errors.New("quarantine: original path occupied")
	// ErrPathUnwritable means the original location rejected the
	// restored payload.
	ErrPathUnwritable = errors.New("quarantine: original path unwritable")
)

// Manager moves threat files into an isolated directory and tracks
// them so they can be restored. Isolation is move-based: the payload
// leaves its original location and lands under a random slot name
// with no ambient permissions.
type Manager struct {
	store *store.Store
	dir   string
}

const slotPerm = 0o400

func New(st *store.Store, dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("quarantine: directory not configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("quarantine: preparing %s: %w", dir, err)
	}
	return &Manager{store: st, dir: dir}, nil
}

// Isolate moves the file at path into quarantine and records the
// mapping. Isolation is idempotent per digest: if an active record
// for the digest already exists the call reports that record and
// leaves the filesystem alone.
func (m *Manager) Isolate(path, digest, sessionID, reason, level string, threats []string) (*store.QuarantineRecord, error) {
	if existing, err := m.store.QuarantineByDigest(digest); err == nil && existing.Active {
		return existing, nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("quarantine: inspecting %s: %w", path, err)
	}

	id := uuid.New().String()
	slot := filepath.Join(m.dir, id)
	if err := moveFile(path, slot); err != nil {
		return nil, fmt.Errorf("quarantine: isolating %s: %w", path, err)
	}
	if err := os.Chmod(slot, slotPerm); err != nil {
		logger.Warnf("Tightening permissions on %s failed: %v", slot, err)
	}

	rec := &store.QuarantineRecord{
		ID:             id,
		SessionID:      sessionID,
		Digest:         digest,
		OriginalPath:   path,
		QuarantinePath: slot,
		Size:           info.Size(),
		Reason:         reason,
		ThreatLevel:    level,
		Threats:        threats,
		QuarantinedAt:  time.Now(),
		CanRestore:     true,
		Active:         true,
	}
	if err := m.store.PutQuarantine(rec); err != nil {
		// The payload is already isolated; losing the record would
		// orphan it, so try to put the file back before failing.
		if rerr := moveFile(slot, path); rerr != nil {
			logger.Errorf("Orphaned quarantine slot %s for %s: %v", slot, path, rerr)
		}
		return nil, err
	}
	logger.Infof("Quarantined %s -> %s (%s)", path, slot, reason)
	return rec, nil
}

// Restore puts a quarantined file back at its original path and
// deactivates the record. The payload bytes are returned to their
// original location unchanged.
func (m *Manager) Restore(id string) (*store.QuarantineRecord, error) {
	rec, err := m.store.QuarantineByID(id)
	if err != nil {
		return nil, err
	}
	if !rec.Active || !rec.CanRestore {
		return nil, ErrNotRestorable
	}
	if _, err := os.Stat(rec.QuarantinePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRestorable, err)
	}
	if _, err := os.Stat(rec.OriginalPath); err == nil {
		return nil, ErrOriginalOccupied
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(rec.OriginalPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathUnwritable, err)
	}

	if err := os.Chmod(rec.QuarantinePath, 0o600); err != nil {
		logger.Debugf("Relaxing permissions on %s failed: %v", rec.QuarantinePath, err)
	}
	if err := moveFile(rec.QuarantinePath, rec.OriginalPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPathUnwritable, err)
	}

	rec.Active = false
	if err := m.store.PutQuarantine(rec); err != nil {
		return nil, err
	}
	logger.Infof("Restored %s from quarantine", rec.OriginalPath)
	return rec, nil
}

// moveFile renames when possible and falls back to copy-then-remove
// for cross-device moves.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
