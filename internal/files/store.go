// Package files is the ephemeral content-addressed attachment store.
// Metadata lives in memory, bytes on disk; both are bounded by a
// 15-minute TTL from upload, so nothing survives a restart.
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sealroom/server/internal/protocol"
)

var (
	// ErrNotFound is returned when a file is absent or logically expired.
	ErrNotFound = errors.New("File not found or expired")
	// ErrTooLarge is returned for uploads over the size cap.
	ErrTooLarge = errors.New("File size exceeds maximum allowed size")
)

type entry struct {
	meta protocol.FileMetadata
	path string
}

// Store holds uploaded files until they expire. Blobs on disk are
// immutable once written: single-writer creation, many-reader access,
// single-deleter eviction.
type Store struct {
	rootDir string
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[string]*entry // file id → entry
	bySHA   map[string]string // sha256 hex → file id

	now   func() time.Time            // test seam
	after func(time.Duration, func()) // eviction scheduler, test seam
}

// NewStore creates a file store rooted at rootDir with the standard TTL.
func NewStore(rootDir string) (*Store, error) {
	return newStore(rootDir, protocol.FileTTL)
}

func newStore(rootDir string, ttl time.Duration) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("file store root directory is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create file store directory: %w", err)
	}
	slog.Debug("file store initialized", "dir", rootDir, "ttl", ttl)
	return &Store{
		rootDir: rootDir,
		ttl:     ttl,
		entries: make(map[string]*entry),
		bySHA:   make(map[string]string),
		now:     time.Now,
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}, nil
}

// Put stores content and returns its metadata. Re-uploading bytes that
// are already present and unexpired returns the existing object's
// metadata unchanged; the caller's name and mime type are discarded.
func (s *Store) Put(name, mimeType string, content []byte) (protocol.FileMetadata, error) {
	if int64(len(content)) > protocol.MaxFileSize {
		return protocol.FileMetadata{}, ErrTooLarge
	}

	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	now := s.now()

	s.mu.RLock()
	existing, dup := s.dedupLocked(digest, now)
	s.mu.RUnlock()
	if dup {
		slog.Debug("upload deduplicated", "file_id", existing.ID, "sha256", digest)
		return existing, nil
	}

	id := uuid.NewString()
	finalPath := filepath.Join(s.rootDir, id)

	// Write-then-rename so a crash mid-write never leaves a readable
	// partial blob under a live id.
	tempFile, err := os.CreateTemp(s.rootDir, ".upload-*")
	if err != nil {
		return protocol.FileMetadata{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	_, writeErr := tempFile.Write(content)
	closeErr := tempFile.Close()
	if writeErr != nil {
		_ = os.Remove(tempPath)
		return protocol.FileMetadata{}, fmt.Errorf("write file bytes: %w", writeErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return protocol.FileMetadata{}, fmt.Errorf("close file: %w", closeErr)
	}

	meta := protocol.FileMetadata{
		ID:         id,
		Name:       name,
		MimeType:   mimeType,
		Size:       int64(len(content)),
		SHA256:     digest,
		UploadedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}

	// Register the entry before the rename: a concurrent Sweep must see
	// the id as live by the time the blob appears under its final name,
	// or the orphan pass could delete a just-stored upload. The dedup
	// re-check closes the window where two identical uploads both pass
	// the unlocked fast path.
	s.mu.Lock()
	if existing, dup := s.dedupLocked(digest, now); dup {
		s.mu.Unlock()
		_ = os.Remove(tempPath)
		slog.Debug("upload deduplicated", "file_id", existing.ID, "sha256", digest)
		return existing, nil
	}
	s.entries[id] = &entry{meta: meta, path: finalPath}
	s.bySHA[digest] = id
	s.mu.Unlock()

	if err := os.Rename(tempPath, finalPath); err != nil {
		s.mu.Lock()
		delete(s.entries, id)
		if s.bySHA[digest] == id {
			delete(s.bySHA, digest)
		}
		s.mu.Unlock()
		_ = os.Remove(tempPath)
		return protocol.FileMetadata{}, fmt.Errorf("move file into place: %w", err)
	}

	s.after(s.ttl, func() { s.evict(id) })

	slog.Info("file stored", "file_id", id, "name", name, "size", meta.Size, "sha256", digest)
	return meta, nil
}

// dedupLocked returns the unexpired entry already holding digest, if
// any. Caller holds mu in either mode.
func (s *Store) dedupLocked(digest string, now time.Time) (protocol.FileMetadata, bool) {
	if id, ok := s.bySHA[digest]; ok {
		if e, live := s.entries[id]; live && !e.meta.Expired(now) {
			return e.meta, true
		}
	}
	return protocol.FileMetadata{}, false
}

// Get returns the metadata and bytes for id. Entries past their
// logical expiry return ErrNotFound even if eviction has not fired yet.
func (s *Store) Get(id string) (protocol.FileMetadata, []byte, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok || e.meta.Expired(s.now()) {
		return protocol.FileMetadata{}, nil, ErrNotFound
	}

	content, err := os.ReadFile(e.path)
	if err != nil {
		slog.Error("file blob missing on disk", "file_id", id, "path", e.path, "err", err)
		return protocol.FileMetadata{}, nil, ErrNotFound
	}
	return e.meta, content, nil
}

// evict removes one entry and its blob. First remover wins; a second
// call for the same id is a no-op.
func (s *Store) evict(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		if s.bySHA[e.meta.SHA256] == id {
			delete(s.bySHA, e.meta.SHA256)
		}
	}
	s.mu.Unlock()

	if ok {
		_ = os.Remove(e.path)
		slog.Debug("file evicted", "file_id", id)
	}
}

// Sweep removes every logically expired entry and any orphaned blob
// on disk, returning how many map entries were dropped.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var dropped []*entry
	for id, e := range s.entries {
		if e.meta.Expired(now) {
			delete(s.entries, id)
			if s.bySHA[e.meta.SHA256] == id {
				delete(s.bySHA, e.meta.SHA256)
			}
			dropped = append(dropped, e)
		}
	}
	live := make(map[string]struct{}, len(s.entries))
	for id := range s.entries {
		live[id] = struct{}{}
	}
	s.mu.Unlock()

	for _, e := range dropped {
		_ = os.Remove(e.path)
	}

	// Orphaned blobs: bytes on disk with no map entry.
	dirEntries, err := os.ReadDir(s.rootDir)
	if err == nil {
		for _, de := range dirEntries {
			name := de.Name()
			if strings.HasPrefix(name, ".upload-") {
				continue // in-flight temp file
			}
			if _, ok := live[name]; !ok {
				_ = os.Remove(filepath.Join(s.rootDir, name))
			}
		}
	}

	if len(dropped) > 0 {
		slog.Info("expired files swept", "count", len(dropped))
	}
	return len(dropped)
}

// Count returns the number of live metadata entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
