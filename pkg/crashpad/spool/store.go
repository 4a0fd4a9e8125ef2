// Package spool is the durable queue of crash reports awaiting upload.
//
// Each pending report is one file, <dir>/<report-id>.crash, holding a framed
// and checksummed encoding of the report. Files are written to a temporary
// name in the same directory, fsynced and renamed into place, so a reader
// sees either the complete entry or nothing, even when the writer dies mid
// write. The directory is the only source of truth: there is no index and no
// in-memory cache, which makes the store safe to share between processes.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
)

const (
	entrySuffix = ".crash"
	tempSuffix  = ".tmp"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("spool entry not found")

// Option configures a Store.
type Option func(*Store)

// WithCompression sets the compression applied to new entries. Entries are
// always readable regardless of the setting they were written with.
func WithCompression(c Compression) Option {
	return func(s *Store) {
		s.compression = c
	}
}

// WithLogger sets the logger used for maintenance messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the time source used by Sweep.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a directory of pending reports. It implements crashpad.Sink.
type Store struct {
	dir         string
	compression Compression
	logger      *slog.Logger
	now         func() time.Time
}

var _ crashpad.Sink = (*Store)(nil)

// Open returns the store rooted at dir, creating the directory with mode
// 0700 if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, crashpad.NewError(crashpad.PersistenceFailure, "spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, crashpad.WrapErrorWithContext(crashpad.PersistenceFailure, "create spool directory", err,
			map[string]any{"dir": dir})
	}

	s := &Store{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the spool directory.
func (s *Store) Dir() string {
	return s.dir
}

// Enqueue durably persists a new pending report. When it returns nil the
// entry survives process termination. Enqueueing a report whose ID is
// already pending replaces the entry.
func (s *Store) Enqueue(r crashpad.Report) error {
	return s.put(r)
}

// Write implements crashpad.Sink.
func (s *Store) Write(_ context.Context, r crashpad.Report) error {
	return s.put(r)
}

// Flush is a no-op: entries are durable when Write returns.
func (s *Store) Flush(context.Context) error {
	return nil
}

// Close is a no-op: the store holds no open resources.
func (s *Store) Close() error {
	return nil
}

// Update atomically rewrites an existing entry, typically to record a
// failed delivery attempt. It returns ErrNotFound when the entry has been
// retired.
func (s *Store) Update(r crashpad.Report) error {
	if err := validateID(r.ID); err != nil {
		return err
	}
	if _, err := os.Stat(s.path(r.ID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
		}
		return crashpad.WrapError(crashpad.PersistenceFailure, "stat spool entry", err)
	}
	return s.put(r)
}

// Pending yields the IDs of pending entries, reading the directory on every
// call. Entries added or retired during iteration may or may not be seen.
// Temporary files of in-progress or interrupted writes are never yielded,
// nor are files whose name is not a report ID.
func (s *Store) Pending() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dir, err := os.Open(s.dir)
		if err != nil {
			yield("", crashpad.WrapError(crashpad.PersistenceFailure, "open spool directory", err))
			return
		}
		defer dir.Close()

		for {
			entries, err := dir.ReadDir(64)
			for _, entry := range entries {
				id, ok := entryID(entry)
				if !ok {
					continue
				}
				if !yield(id, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", crashpad.WrapError(crashpad.PersistenceFailure, "read spool directory", err))
				return
			}
		}
	}
}

// List returns the IDs of all pending entries, sorted.
func (s *Store) List() ([]string, error) {
	var ids []string
	for id, err := range s.Pending() {
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Load reads and decodes one entry. A corrupt entry yields an error
// matching ErrUnreadable; a missing one, ErrNotFound.
func (s *Store) Load(id string) (crashpad.Report, error) {
	if err := validateID(id); err != nil {
		return crashpad.Report{}, err
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return crashpad.Report{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return crashpad.Report{}, crashpad.WrapErrorWithContext(crashpad.PersistenceFailure, "read spool entry", err,
			map[string]any{"report_id": id})
	}

	payload, err := decodeEntry(data)
	if err != nil {
		return crashpad.Report{}, fmt.Errorf("entry %s: %w", id, err)
	}
	r, err := crashpad.DecodeReport(payload)
	if err != nil {
		return crashpad.Report{}, fmt.Errorf("entry %s: %w: %v", id, ErrUnreadable, err)
	}
	if r.ID != id {
		return crashpad.Report{}, fmt.Errorf("entry %s: %w: holds report %q", id, ErrUnreadable, r.ID)
	}
	return r, nil
}

// Retire deletes an entry. Retiring an absent entry is not an error, so a
// retry after a crash between delivery and retirement is harmless.
func (s *Store) Retire(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return crashpad.WrapErrorWithContext(crashpad.PersistenceFailure, "remove spool entry", err,
			map[string]any{"report_id": id})
	}
	syncDir(s.dir)
	return nil
}

// Sweep deletes temporary files older than olderThan, left behind by
// writers that died mid write. Pass 0 to remove every temporary file; only
// do so when no other process may be writing to the store.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, crashpad.WrapError(crashpad.PersistenceFailure, "read spool directory", err)
	}

	cutoff := s.now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !isTempName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // already gone
		}
		if olderThan > 0 && info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
		s.logger.Debug("spool: removed abandoned temporary file", "path", path)
	}
	return removed, errors.Join(errs...)
}

// put writes r to a temporary file, fsyncs it and renames it over the entry.
func (s *Store) put(r crashpad.Report) error {
	if err := validateID(r.ID); err != nil {
		return err
	}

	encoded, err := crashpad.EncodeReport(r)
	if err != nil {
		return crashpad.WrapError(crashpad.PersistenceFailure, "encode report", err)
	}
	entry, err := encodeEntry(encoded, s.compression)
	if err != nil {
		return crashpad.WrapError(crashpad.PersistenceFailure, "frame report", err)
	}

	file, err := os.CreateTemp(s.dir, "."+r.ID+".*"+tempSuffix)
	if err != nil {
		return crashpad.WrapError(crashpad.PersistenceFailure, "create temporary entry", err)
	}
	tmpPath := file.Name()

	// Write, sync, close, in that order. If any step fails, remove the
	// temporary file and report the first error.
	if _, err := file.Write(entry); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return crashpad.WrapError(crashpad.PersistenceFailure, "write temporary entry", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return crashpad.WrapError(crashpad.PersistenceFailure, "sync temporary entry", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return crashpad.WrapError(crashpad.PersistenceFailure, "close temporary entry", err)
	}
	if err := os.Rename(tmpPath, s.path(r.ID)); err != nil {
		os.Remove(tmpPath)
		return crashpad.WrapError(crashpad.PersistenceFailure, "rename entry into place", err)
	}
	syncDir(s.dir)
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+entrySuffix)
}

// validateID rejects IDs that are not UUIDs, which also keeps them safe to
// use as file names.
func validateID(id string) error {
	if err := uuid.Validate(id); err != nil {
		return crashpad.WrapErrorWithContext(crashpad.PersistenceFailure, "invalid report id", err,
			map[string]any{"report_id": id})
	}
	return nil
}

func entryID(entry fs.DirEntry) (string, bool) {
	if !entry.Type().IsRegular() {
		return "", false
	}
	name := entry.Name()
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	id, ok := strings.CutSuffix(name, entrySuffix)
	if !ok || uuid.Validate(id) != nil {
		return "", false // not written by a Store
	}
	return id, true
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, tempSuffix)
}

// syncDir makes a rename or unlink in dir durable. Not every filesystem
// supports fsync on a directory, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
