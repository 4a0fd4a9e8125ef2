package spool

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
)

func testReport(id string) crashpad.Report {
	return crashpad.Report{
		ID:        id,
		InstallID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Fault:     crashpad.Fault{Kind: crashpad.FaultPanic, Type: "string", Reason: "boom"},
		Frames: []crashpad.Frame{
			{Address: 0x4a1b2c, Symbol: "main.f3", Module: "main", Offset: 0x1c},
			{Address: 0x4a1c00, Symbol: "main.f2", Module: "main", Offset: 0x20},
			{Address: 0x4a1d00, Symbol: "main.f1", Module: "main", Offset: 0x24},
		},
		Metadata: crashpad.Metadata{OSName: "Linux", Arch: "amd64", AppName: "demo", AppVersion: "1.0.0"},
	}
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pending"), opts...)
	require.NoError(t, err)
	return s
}

func TestOpen_CreatesPrivateDirectory(t *testing.T) {
	s := openTestStore(t)

	info, err := os.Stat(s.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestOpen_EmptyDir(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
	assert.Equal(t, crashpad.PersistenceFailure, crashpad.KindOf(err))
}

func TestStore_EnqueueLoad(t *testing.T) {
	s := openTestStore(t)
	r := testReport(uuid.NewString())
	r.Attempts = 1

	require.NoError(t, s.Enqueue(r))

	got, err := s.Load(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, id := range ids {
		require.NoError(t, s.Enqueue(testReport(id)))
	}

	got, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, got)
	assert.IsNonDecreasing(t, got)
}

func TestStore_EnqueueSameIDReplaces(t *testing.T) {
	s := openTestStore(t)
	r := testReport(uuid.NewString())

	require.NoError(t, s.Enqueue(r))
	r.Fault.Reason = "second"
	require.NoError(t, s.Enqueue(r))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	got, err := s.Load(r.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Fault.Reason)
}

func TestStore_InterruptedWriteIsInvisible(t *testing.T) {
	s := openTestStore(t)
	committed := testReport(uuid.NewString())
	require.NoError(t, s.Enqueue(committed))

	// A writer that died after writing half an entry leaves only its
	// temporary file behind.
	interrupted := testReport(uuid.NewString())
	encoded, err := crashpad.EncodeReport(interrupted)
	require.NoError(t, err)
	entry, err := encodeEntry(encoded, CompressionNone)
	require.NoError(t, err)
	tmp := filepath.Join(s.Dir(), "."+interrupted.ID+".123456"+tempSuffix)
	require.NoError(t, os.WriteFile(tmp, entry[:len(entry)/2], 0o600))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{committed.ID}, ids)

	_, err = s.Load(interrupted.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Retire(t *testing.T) {
	s := openTestStore(t)
	r := testReport(uuid.NewString())
	require.NoError(t, s.Enqueue(r))

	require.NoError(t, s.Retire(r.ID))
	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Idempotent.
	require.NoError(t, s.Retire(r.ID))
	require.NoError(t, s.Retire(uuid.NewString()))
}

func TestStore_Update(t *testing.T) {
	s := openTestStore(t)
	r := testReport(uuid.NewString())
	require.NoError(t, s.Enqueue(r))

	r.Attempts = 3
	require.NoError(t, s.Update(r))

	got, err := s.Load(r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
}

func TestStore_UpdateRetired(t *testing.T) {
	s := openTestStore(t)
	r := testReport(uuid.NewString())
	require.NoError(t, s.Enqueue(r))
	require.NoError(t, s.Retire(r.ID))

	err := s.Update(r)
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids, "Update must not resurrect a retired entry")
}

func TestStore_LoadMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(entry []byte) []byte
	}{
		{"truncated payload", func(e []byte) []byte { return e[:len(e)-5] }},
		{"truncated header", func(e []byte) []byte { return e[:10] }},
		{"empty file", func(e []byte) []byte { return nil }},
		{"bad magic", func(e []byte) []byte { e[0] = 'X'; return e }},
		{"unknown version", func(e []byte) []byte { e[4] = 9; return e }},
		{"flipped payload bit", func(e []byte) []byte { e[len(e)-1] ^= 0x01; return e }},
		{"unknown compression", func(e []byte) []byte { e[5] = 7; return e }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			r := testReport(uuid.NewString())
			require.NoError(t, s.Enqueue(r))

			path := s.path(r.ID)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, tt.corrupt(data), 0o600))

			_, err = s.Load(r.ID)
			assert.ErrorIs(t, err, ErrUnreadable)

			// The corrupt entry is still listed so the uploader can quarantine it.
			ids, err := s.List()
			require.NoError(t, err)
			assert.Equal(t, []string{r.ID}, ids)
		})
	}
}

func TestStore_LoadInvalidCBOR(t *testing.T) {
	s := openTestStore(t)
	id := uuid.NewString()

	entry, err := encodeEntry([]byte{0xff, 0xff, 0xff}, CompressionNone)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path(id), entry, 0o600))

	_, err = s.Load(id)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestStore_LoadMismatchedID(t *testing.T) {
	s := openTestStore(t)
	r := testReport(uuid.NewString())
	require.NoError(t, s.Enqueue(r))

	other := uuid.NewString()
	require.NoError(t, os.Rename(s.path(r.ID), s.path(other)))

	_, err := s.Load(other)
	assert.ErrorIs(t, err, ErrUnreadable)
}

func TestStore_Compression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			s := openTestStore(t, WithCompression(c))
			r := testReport(uuid.NewString())
			r.AddTextAttachment("app.log", strings.Repeat("worker 7 idle; queue empty\n", 500))

			require.NoError(t, s.Enqueue(r))

			data, err := os.ReadFile(s.path(r.ID))
			require.NoError(t, err)
			assert.Equal(t, byte(c), data[5], "compression tag")

			got, err := s.Load(r.ID)
			require.NoError(t, err)
			assert.Equal(t, r, got)
		})
	}
}

func TestEncodeEntry_IncompressibleFallsBack(t *testing.T) {
	random := make([]byte, 256)
	_, err := rand.Read(random)
	require.NoError(t, err)

	for _, c := range []Compression{CompressionLZ4, CompressionZstd} {
		entry, err := encodeEntry(random, c)
		require.NoError(t, err)
		assert.Equal(t, byte(CompressionNone), entry[5], c.String())

		payload, err := decodeEntry(entry)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(random, payload))
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		c, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.String())
	}

	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestStore_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return now }))
	r := testReport(uuid.NewString())
	require.NoError(t, s.Enqueue(r))

	stale := filepath.Join(s.Dir(), ".stale.1"+tempSuffix)
	fresh := filepath.Join(s.Dir(), ".fresh.2"+tempSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("partial"), 0o600))
	require.NoError(t, os.Chtimes(stale, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(fresh, now.Add(-time.Minute), now.Add(-time.Minute)))

	removed, err := s.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, s.path(r.ID))

	removed, err = s.Sweep(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, fresh)
}

func TestStore_InvalidID(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"", "../escape", "not-a-uuid"} {
		err := s.Enqueue(testReport(id))
		require.Error(t, err, "id %q", id)
		assert.Equal(t, crashpad.PersistenceFailure, crashpad.KindOf(err))
	}
}

func TestStore_ListSkipsForeignFiles(t *testing.T) {
	s := openTestStore(t)
	r := testReport(uuid.NewString())
	require.NoError(t, s.Enqueue(r))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "report-copy.crash"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, ids)
}

func TestStore_Sink(t *testing.T) {
	s := openTestStore(t)
	var sink crashpad.Sink = s
	r := testReport(uuid.NewString())

	require.NoError(t, sink.Write(context.Background(), r))
	require.NoError(t, sink.Flush(context.Background()))
	require.NoError(t, sink.Close())

	_, err := s.Load(r.ID)
	require.NoError(t, err)
}

func TestStore_ConcurrentEnqueue(t *testing.T) {
	s := openTestStore(t)

	const writers = 20
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Enqueue(testReport(uuid.NewString())))
		}()
	}
	wg.Wait()

	ids, err := s.List()
	require.NoError(t, err)
	assert.Len(t, ids, writers)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, writers, "no temporary files left behind")
}

func TestStore_PendingStopsEarly(t *testing.T) {
	s := openTestStore(t)
	for range 5 {
		require.NoError(t, s.Enqueue(testReport(uuid.NewString())))
	}

	seen := 0
	for _, err := range s.Pending() {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}
