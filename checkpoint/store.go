package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/redoflow/encoding"
	"github.com/maxpert/redoflow/redo"
	"github.com/maxpert/redoflow/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Magic bytes for file identification
	Magic = "RDCK"
	// Version of the file layout
	Version uint16 = 1
	// HeaderSize is magic(4) + version(2) + body checksum(8)
	HeaderSize = 14
)

var (
	// ErrCorrupt means the file is not a readable checkpoint
	ErrCorrupt = errors.New("checkpoint file corrupt")
	// ErrIdentityMismatch means the checkpoint belongs to another database
	ErrIdentityMismatch = errors.New("checkpoint belongs to a different database")
)

// Store writes and reads the checkpoint file at a fixed path.
//
// Full saves keep the main file valid at every instant: the new content is
// written and fsynced to a temporary file, the current file is copied to a
// timestamped backup, and only then is the temporary file renamed over it.
type Store struct {
	mu          sync.Mutex
	path        string
	keepBackups int
}

// NewStore creates a store for path. keepBackups bounds the timestamped
// backups left next to it. The newest backup is always kept, so values
// below one count as one.
func NewStore(path string, keepBackups int) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if keepBackups < 1 {
		keepBackups = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{path: path, keepBackups: keepBackups}, nil
}

// Path returns the main checkpoint path
func (s *Store) Path() string {
	return s.path
}

// Save persists snap and returns the path written. A final save replaces the
// main checkpoint; otherwise a dump without in-flight and ready transactions
// is written to a separate timestamped file.
func (s *Store) Save(snap *Snapshot, final bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode := "full"
	if !final {
		mode = "dump"
	}
	start := time.Now()

	path, err := s.save(snap, final)
	if err != nil {
		telemetry.CheckpointFailuresTotal.Inc()
		log.Error().Err(err).Str("path", s.path).Str("mode", mode).Msg("Checkpoint save failed")
		return "", err
	}

	elapsed := time.Since(start)
	telemetry.CheckpointSaveSeconds.With(mode).Observe(elapsed.Seconds())
	if final {
		telemetry.CheckpointLSN.Set(float64(snap.Position.LSN))
	}

	log.Info().
		Str("path", path).
		Str("mode", mode).
		Str("position", snap.Position.String()).
		Int("open", len(snap.Open)).
		Int("ready", len(snap.Ready)).
		Bool("in_flight", snap.InFlight != nil).
		Dur("elapsed", elapsed).
		Msg("Checkpoint saved")
	return path, nil
}

func (s *Store) save(snap *Snapshot, final bool) (string, error) {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}

	target := s.path
	if final {
		snap.Complete = true
	} else {
		snap = snap.withoutDelivery()
		target = s.freeName(fmt.Sprintf("%s-dump-", s.path), snap.SavedAt)
	}

	data, err := Encode(snap)
	if err != nil {
		return "", err
	}

	tmp := target + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		os.Remove(tmp)
		return "", err
	}

	if final {
		if _, err := s.backup(); err != nil {
			os.Remove(tmp)
			return "", err
		}
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	syncDir(filepath.Dir(target))

	if final {
		s.prune()
	}
	return target, nil
}

// Load reads the main checkpoint and verifies it belongs to the live
// database. A missing file returns an error matching os.ErrNotExist.
func (s *Store) Load(live redo.DatabaseIdentity) (*Snapshot, error) {
	snap, err := LoadFile(s.path)
	if err != nil {
		return nil, err
	}

	if !snap.Identity.Same(live) {
		return nil, fmt.Errorf("%w: checkpoint dbid %d (%s), live dbid %d (%s)",
			ErrIdentityMismatch, snap.Identity.DBID, snap.Identity.Name, live.DBID, live.Name)
	}
	return snap, nil
}

// RotateOnStart preserves the existing checkpoint under a timestamped name
// before a run starts. Returns the backup path, or "" when there is no file.
func (s *Store) RotateOnStart() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup, err := s.backup()
	if err != nil {
		return "", err
	}
	if backup != "" {
		log.Info().Str("path", s.path).Str("backup", backup).Msg("Preserved previous checkpoint")
		s.prune()
	}
	return backup, nil
}

// Backups lists backup files, oldest first
func (s *Store) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return nil, err
	}

	type backup struct {
		path  string
		stamp int64
	}
	var found []backup
	prefix := s.path + "."
	for _, m := range matches {
		stamp, err := strconv.ParseInt(strings.TrimPrefix(m, prefix), 10, 64)
		if err != nil {
			continue
		}
		found = append(found, backup{path: m, stamp: stamp})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].stamp < found[j].stamp })

	paths := make([]string, len(found))
	for i, b := range found {
		paths[i] = b.path
	}
	return paths, nil
}

// backup copies the current file to <path>.<unixmillis>
func (s *Store) backup() (string, error) {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat checkpoint: %w", err)
	}

	dst := s.freeName(s.path+".", time.Now())
	if err := copyFile(s.path, dst); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to back up checkpoint: %w", err)
	}
	return dst, nil
}

func (s *Store) prune() {
	backups, err := s.Backups()
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to list checkpoint backups")
		return
	}

	for len(backups) > s.keepBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("backup", backups[0]).Msg("Failed to prune checkpoint backup")
		}
		backups = backups[1:]
	}
}

// freeName returns prefix+millis, bumping millis until the name is unused
func (s *Store) freeName(prefix string, at time.Time) string {
	stamp := at.UnixMilli()
	for {
		name := prefix + strconv.FormatInt(stamp, 10)
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		stamp++
	}
}

// Encode renders a snapshot in the checkpoint file layout
func Encode(snap *Snapshot) ([]byte, error) {
	body, err := encoding.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	out := make([]byte, HeaderSize+len(body))
	copy(out[0:4], Magic)
	binary.LittleEndian.PutUint16(out[4:6], Version)
	binary.LittleEndian.PutUint64(out[6:14], xxhash.Sum64(body))
	copy(out[HeaderSize:], body)
	return out, nil
}

// Decode parses the checkpoint file layout
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrCorrupt, len(data))
	}
	if string(data[0:4]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic bytes", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}

	body := data[HeaderSize:]
	if sum := binary.LittleEndian.Uint64(data[6:14]); sum != xxhash.Sum64(body) {
		return nil, fmt.Errorf("%w: checksum verification failed", ErrCorrupt)
	}

	var snap Snapshot
	if err := encoding.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &snap, nil
}

// LoadFile reads any checkpoint or dump file without an identity check
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return snap, nil
}

func writeSynced(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return file.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// syncDir makes renames inside dir durable; failures only cost durability of the rename
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
