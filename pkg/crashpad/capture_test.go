package crashpad

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockSink captures reports for verification.
type mockSink struct {
	mu       sync.Mutex
	reports  []Report
	writeErr error
	closed   bool
}

func (s *mockSink) Write(ctx context.Context, r Report) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *mockSink) Flush(ctx context.Context) error {
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSink) getReports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Report, len(s.reports))
	copy(result, s.reports)
	return result
}

var testInstallID = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

func newTestHandler(t *testing.T, sink Sink, opts ...Option) *Handler {
	t.Helper()
	base := []Option{
		WithSink(sink),
		WithInstallID(testInstallID),
		WithMetadata(Metadata{OSName: "Linux", Arch: "amd64", AppName: "demo", AppVersion: "1.0.0"}),
		WithRepanic(false),
	}
	h, err := NewHandler(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	return h
}

//go:noinline
func crashLevel1(h *Handler) {
	defer h.Recover()
	crashLevel2()
}

//go:noinline
func crashLevel2() {
	crashLevel3()
}

//go:noinline
func crashLevel3() {
	panic("boom")
}

func TestHandler_Recover_ThreeFrames(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink)

	crashLevel1(h)

	reports := sink.getReports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	r := reports[0]

	want := []string{".crashLevel3", ".crashLevel2", ".crashLevel1"}
	if len(r.Frames) < len(want) {
		t.Fatalf("len(Frames) = %d, want >= %d", len(r.Frames), len(want))
	}
	for i, suffix := range want {
		if !strings.HasSuffix(r.Frames[i].Symbol, suffix) {
			t.Errorf("Frames[%d].Symbol = %q, want suffix %q", i, r.Frames[i].Symbol, suffix)
		}
	}

	if r.Fault.Kind != FaultPanic {
		t.Errorf("Fault.Kind = %q, want %q", r.Fault.Kind, FaultPanic)
	}
	if r.Fault.Type != "string" {
		t.Errorf("Fault.Type = %q, want %q", r.Fault.Type, "string")
	}
	if r.Fault.Reason != "boom" {
		t.Errorf("Fault.Reason = %q, want %q", r.Fault.Reason, "boom")
	}
	if r.InstallID != testInstallID.String() {
		t.Errorf("InstallID = %q, want %q", r.InstallID, testInstallID)
	}
	if _, err := uuid.Parse(r.ID); err != nil || r.ID == r.InstallID {
		t.Errorf("ID = %q, want a fresh UUID", r.ID)
	}
	if r.Metadata.AppName != "demo" {
		t.Errorf("Metadata.AppName = %q, want %q", r.Metadata.AppName, "demo")
	}
	if r.Fingerprint == "" {
		t.Error("Fingerprint is empty")
	}
	if r.Process.PID == 0 || r.Process.Goroutines == 0 {
		t.Errorf("Process not captured: %+v", r.Process)
	}
}

func TestHandler_Recover_Repanics(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink, WithRepanic(true))

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		func() {
			defer h.Recover()
			panic("original value")
		}()
	}()

	if recovered != "original value" {
		t.Errorf("recovered = %v, want the original panic value", recovered)
	}
	if len(sink.getReports()) != 1 {
		t.Errorf("Expected 1 report before re-panic, got %d", len(sink.getReports()))
	}
}

func TestHandler_Recover_NoPanic(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink)

	func() {
		defer h.Recover()
	}()

	if len(sink.getReports()) != 0 {
		t.Errorf("Expected no report, got %d", len(sink.getReports()))
	}
}

func TestHandler_Recover_RuntimeError(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink)

	func() {
		defer h.Recover()
		var m map[string]*int
		_ = *m["missing"]
	}()

	reports := sink.getReports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	if reports[0].Fault.Signal != "SIGSEGV" {
		t.Errorf("Fault.Signal = %q, want SIGSEGV", reports[0].Fault.Signal)
	}
	if !strings.Contains(reports[0].Fault.Reason, "nil pointer dereference") {
		t.Errorf("Fault.Reason = %q", reports[0].Fault.Reason)
	}
	if !strings.HasSuffix(reports[0].Frames[0].Symbol, ".TestHandler_Recover_RuntimeError.func1") {
		t.Errorf("Frames[0].Symbol = %q, want the faulting closure", reports[0].Frames[0].Symbol)
	}
}

func TestHandler_Recover_SinkErrorSwallowed(t *testing.T) {
	sink := &mockSink{writeErr: errors.New("disk full")}
	h := newTestHandler(t, sink)

	// Must not panic even though the sink fails.
	func() {
		defer h.Recover()
		panic("boom")
	}()
}

func TestHandler_Recover_CallbackPanicSwallowed(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink, WithReportCallback(func(r *Report) {
		r.AddTextAttachment("before.txt", "kept")
		panic("callback bug")
	}))

	func() {
		defer h.Recover()
		panic("boom")
	}()

	reports := sink.getReports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	if len(reports[0].Attachments) != 1 {
		t.Errorf("len(Attachments) = %d, want 1", len(reports[0].Attachments))
	}
}

func TestHandler_ReportCallback(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink, WithReportCallback(func(r *Report) {
		r.AddTextAttachment("state.txt", "queue depth 7")
		r.AddBinaryAttachment("snapshot.bin", []byte{1, 2, 3})
	}))

	if _, err := h.Capture(context.Background(), Fault{Kind: FaultPanic, Type: "string", Reason: "x"}, nil); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	r := sink.getReports()[0]
	if len(r.Attachments) != 2 {
		t.Fatalf("len(Attachments) = %d, want 2", len(r.Attachments))
	}
	if r.Attachments[0].FileName != "state.txt" {
		t.Errorf("FileName = %q, want %q", r.Attachments[0].FileName, "state.txt")
	}
}

func TestHandler_UserID(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink)
	h.SetUserID("user-1")

	fault := Fault{Kind: FaultPanic, Type: "string", Reason: "x"}
	if _, err := h.Capture(context.Background(), fault, nil); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	ctx := WithUserID(context.Background(), "user-2")
	if _, err := h.Capture(ctx, fault, nil); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	reports := sink.getReports()
	if reports[0].UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", reports[0].UserID, "user-1")
	}
	if reports[1].UserID != "user-2" {
		t.Errorf("UserID = %q, want context value %q", reports[1].UserID, "user-2")
	}
}

func TestHandler_RecoverContext_Properties(t *testing.T) {
	sink := &mockSink{}
	h := newTestHandler(t, sink, WithDefaultScrubbing())

	ctx := WithProperty(context.Background(), "route", "/checkout")
	ctx = WithProperty(ctx, "session_token", "abc")
	func() {
		defer h.RecoverContext(ctx)
		panic("boom")
	}()

	r := sink.getReports()[0]
	if r.Properties["route"] != "/checkout" {
		t.Errorf("route = %q, want %q", r.Properties["route"], "/checkout")
	}
	if r.Properties["session_token"] != redacted {
		t.Errorf("session_token = %q, want %q", r.Properties["session_token"], redacted)
	}
}

func TestHandler_Capture(t *testing.T) {
	sink := &mockSink{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	h := newTestHandler(t, sink, WithMaxFrames(2), WithClock(func() time.Time { return now }))

	frames := []Frame{{Symbol: "a"}, {Symbol: "b"}, {Symbol: "c"}}
	r, err := h.Capture(context.Background(), Fault{Kind: FaultFatal, Type: "fatal error", Reason: "x"}, frames)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if len(r.Frames) != 2 {
		t.Errorf("len(Frames) = %d, want 2", len(r.Frames))
	}
	if !r.Timestamp.Equal(now) || r.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want %v in UTC", r.Timestamp, now)
	}
	if r.Frames == nil {
		t.Error("Frames is nil")
	}
}

func TestHandler_Capture_SinkError(t *testing.T) {
	diskErr := WrapError(PersistenceFailure, "write", errors.New("disk full"))
	h := newTestHandler(t, &mockSink{writeErr: diskErr})

	_, err := h.Capture(context.Background(), Fault{Kind: FaultPanic}, nil)
	if err == nil {
		t.Fatal("Capture succeeded, want error")
	}
	if KindOf(err) != PersistenceFailure {
		t.Errorf("KindOf = %q, want %q", KindOf(err), PersistenceFailure)
	}
}

func TestInstall_ReplacesActive(t *testing.T) {
	first := &mockSink{}
	second := &mockSink{}

	h1, err := Install(WithSink(first), WithInstallID(testInstallID), WithRepanic(false))
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	h2, err := Install(WithSink(second), WithInstallID(testInstallID), WithRepanic(false))
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	t.Cleanup(func() { _ = h2.Close() })

	if Active() != h2 {
		t.Fatal("Active() is not the most recently installed handler")
	}

	func() {
		defer Recover()
		panic("boom")
	}()

	if len(first.getReports()) != 0 {
		t.Errorf("replaced handler received %d reports, want 0", len(first.getReports()))
	}
	if len(second.getReports()) != 1 {
		t.Errorf("active handler received %d reports, want 1", len(second.getReports()))
	}

	// Closing the replaced handler leaves the active one installed.
	_ = h1.Close()
	if Active() != h2 {
		t.Error("closing a replaced handler uninstalled the active one")
	}
}

func TestRecover_NoHandler(t *testing.T) {
	if h := Active(); h != nil {
		t.Skip("a handler is installed")
	}

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		func() {
			defer Recover()
			panic("untouched")
		}()
	}()

	if recovered != "untouched" {
		t.Errorf("recovered = %v, want %q", recovered, "untouched")
	}
}

func TestHandler_Close(t *testing.T) {
	sink := &mockSink{}
	h, err := Install(WithSink(sink), WithInstallID(testInstallID))
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if Active() != nil {
		t.Error("Active() != nil after Close")
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
}

func TestNewHandler_LoadsInstallID(t *testing.T) {
	dir := t.TempDir()

	h1, err := NewHandler(WithDir(dir))
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	h2, err := NewHandler(WithDir(dir))
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	if h1.InstallID() == "" || h1.InstallID() != h2.InstallID() {
		t.Errorf("InstallID = %q and %q, want the same non-empty ID", h1.InstallID(), h2.InstallID())
	}
}
