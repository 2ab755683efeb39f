// Package backup provides timestamped snapshots of mutable state with
// reversible restore, for crash-safe phase execution in planforge.
package backup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	forgeerr "github.com/randalmurphal/planforge/internal/errors"
	"github.com/randalmurphal/planforge/internal/events"
	"github.com/randalmurphal/planforge/internal/util"
)

const manifestName = "manifest.yaml"

// Backup describes one snapshot.
type Backup struct {
	ID        string    `yaml:"id"`
	PhaseID   string    `yaml:"phase_id"`
	Paths     []string  `yaml:"paths"`
	ByteSize  int64     `yaml:"byte_size"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Store manages snapshots under a backup root directory. Snapshotted
// paths are recorded relative to the project root.
type Store struct {
	root       string // project root
	backupRoot string // directory holding backup folders
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStorePublisher sets the event publisher.
func WithStorePublisher(p events.Publisher) StoreOption {
	return func(s *Store) { s.publisher = p }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithStoreClock overrides the time source (for tests).
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a backup store. root is the project root; backupRoot
// is where snapshot directories are created.
func NewStore(root, backupRoot string, opts ...StoreOption) *Store {
	s := &Store{
		root:       root,
		backupRoot: backupRoot,
		publisher:  events.NewNopPublisher(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newID builds a timestamped identifier with a random suffix.
func (s *Store) newID() string {
	stamp := s.now().UTC().Format("20060102-150405")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return stamp + "-" + suffix
}

// Snapshot copies the current content of each path into an isolated
// backup directory. Paths are relative to the project root; missing
// paths fail the snapshot. On any copy failure the partial backup is
// discarded, never left half-written.
func (s *Store) Snapshot(phaseID string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("snapshot for phase %s: no paths given", phaseID)
	}

	id := s.newID()
	dir := filepath.Join(s.backupRoot, id)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0755); err != nil {
		return "", forgeerr.ErrBackupIO(id, err)
	}

	b := Backup{
		ID:        id,
		PhaseID:   phaseID,
		Paths:     append([]string(nil), paths...),
		CreatedAt: s.now(),
	}

	for _, rel := range paths {
		src := filepath.Join(s.root, rel)
		dst := filepath.Join(dir, "files", rel)
		n, err := util.CopyFile(src, dst)
		if err != nil {
			os.RemoveAll(dir)
			return "", forgeerr.ErrBackupIO(id, fmt.Errorf("copy %s: %w", rel, err))
		}
		b.ByteSize += n
	}

	data, err := yaml.Marshal(&b)
	if err != nil {
		os.RemoveAll(dir)
		return "", forgeerr.ErrBackupIO(id, err)
	}
	if err := util.AtomicWriteFile(filepath.Join(dir, manifestName), data, 0644); err != nil {
		os.RemoveAll(dir)
		return "", forgeerr.ErrBackupIO(id, err)
	}

	s.publisher.Publish(events.Event{
		Type:    events.EventBackupCreated,
		PhaseID: phaseID,
		Data:    b,
		Time:    s.now(),
	})
	s.logger.Debug("created backup", "id", id, "phase", phaseID, "bytes", b.ByteSize)
	return id, nil
}

// Restore replaces the current content of a backup's paths with the
// snapshot. The in-flight current state is snapshotted first, so a
// restore is itself reversible. Returns the ID of that pre-restore
// snapshot.
func (s *Store) Restore(id string) (string, error) {
	b, err := s.load(id)
	if err != nil {
		return "", err
	}

	// Snapshot whatever currently exists at the backup's paths. Paths
	// deleted since the original snapshot are skipped.
	var current []string
	for _, rel := range b.Paths {
		if _, err := os.Stat(filepath.Join(s.root, rel)); err == nil {
			current = append(current, rel)
		}
	}
	preID := ""
	if len(current) > 0 {
		preID, err = s.Snapshot(b.PhaseID, current)
		if err != nil {
			return "", fmt.Errorf("pre-restore snapshot: %w", err)
		}
	}

	for _, rel := range b.Paths {
		src := filepath.Join(s.backupRoot, id, "files", rel)
		dst := filepath.Join(s.root, rel)
		if _, err := util.CopyFile(src, dst); err != nil {
			return preID, forgeerr.ErrBackupIO(id, fmt.Errorf("restore %s: %w", rel, err))
		}
	}

	s.logger.Info("restored backup", "id", id, "phase", b.PhaseID, "pre_restore", preID)
	return preID, nil
}

// load reads a backup manifest.
func (s *Store) load(id string) (*Backup, error) {
	data, err := os.ReadFile(filepath.Join(s.backupRoot, id, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, forgeerr.ErrBackupNotFound(id)
		}
		return nil, fmt.Errorf("read manifest %s: %w", id, err)
	}
	var b Backup
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", id, err)
	}
	return &b, nil
}

// List returns backups, newest first. If phaseID is non-empty only
// backups for that phase are returned. Directories without a valid
// manifest are skipped with a warning.
func (s *Store) List(phaseID string) ([]Backup, error) {
	entries, err := os.ReadDir(s.backupRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	var backups []Backup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		b, err := s.load(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable backup", "id", entry.Name(), "error", err)
			continue
		}
		if phaseID != "" && b.PhaseID != phaseID {
			continue
		}
		backups = append(backups, *b)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Latest returns the most recent backup for a phase.
func (s *Store) Latest(phaseID string) (*Backup, error) {
	backups, err := s.List(phaseID)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, forgeerr.ErrBackupNotFound(phaseID)
	}
	return &backups[0], nil
}

// Prune removes backups created before the cutoff. Returns the number
// removed.
func (s *Store) Prune(olderThan time.Time) (int, error) {
	backups, err := s.List("")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range backups {
		if b.CreatedAt.Before(olderThan) {
			if err := os.RemoveAll(filepath.Join(s.backupRoot, b.ID)); err != nil {
				return removed, fmt.Errorf("prune %s: %w", b.ID, err)
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("pruned backups", "count", removed)
	}
	return removed, nil
}
