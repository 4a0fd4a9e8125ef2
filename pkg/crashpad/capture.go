// capture.go provides the process-wide fault handler and the Recover hook.

package crashpad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// active is the installed handler, if any.
var active atomic.Pointer[Handler]

// Option configures a Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	sink      Sink
	dir       string
	app       AppInfo
	installID uuid.UUID
	metadata  *Metadata
	maxFrames int
	scrubber  *Scrubber
	logger    *slog.Logger
	now       func() time.Time
	repanic   bool
	harvest   bool
	callback  func(*Report)
}

// WithSink sets where reports are persisted. Usually a spool.Store.
func WithSink(sink Sink) Option {
	return func(c *handlerConfig) {
		c.sink = sink
	}
}

// WithDir sets the crashpad directory. It holds the install ID and the
// crash-output sessions; without it neither is used.
func WithDir(dir string) Option {
	return func(c *handlerConfig) {
		c.dir = dir
	}
}

// WithApp identifies the host application in collected metadata.
func WithApp(app AppInfo) Option {
	return func(c *handlerConfig) {
		c.app = app
	}
}

// WithInstallID overrides the install ID loaded from the crashpad directory.
func WithInstallID(id uuid.UUID) Option {
	return func(c *handlerConfig) {
		c.installID = id
	}
}

// WithMetadata replaces the collected metadata snapshot.
func WithMetadata(md Metadata) Option {
	return func(c *handlerConfig) {
		c.metadata = &md
	}
}

// WithMaxFrames bounds the number of frames per report.
func WithMaxFrames(n int) Option {
	return func(c *handlerConfig) {
		c.maxFrames = n
	}
}

// WithScrubber configures the handler with a custom scrubber configuration.
func WithScrubber(cfg ScrubberConfig) Option {
	return func(c *handlerConfig) {
		c.scrubber = NewScrubber(cfg)
	}
}

// WithDefaultScrubbing enables scrubbing with production-safe defaults.
func WithDefaultScrubbing() Option {
	return func(c *handlerConfig) {
		c.scrubber = NewScrubber(DefaultScrubberConfig())
	}
}

// WithLogger sets the logger used outside the fault path.
func WithLogger(logger *slog.Logger) Option {
	return func(c *handlerConfig) {
		c.logger = logger
	}
}

// WithClock sets the time source for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *handlerConfig) {
		c.now = now
	}
}

// WithRepanic controls whether Recover re-panics after capturing. The
// default is true, which leaves the fate of the process unchanged. Set it to
// false in goroutine supervisors that keep running after a captured panic.
func WithRepanic(repanic bool) Option {
	return func(c *handlerConfig) {
		c.repanic = repanic
	}
}

// WithHarvest controls whether Install harvests sessions left by dead
// processes (default true).
func WithHarvest(harvest bool) Option {
	return func(c *handlerConfig) {
		c.harvest = harvest
	}
}

// WithReportCallback registers a function that can amend a report (for
// example add attachments) before it is persisted. It runs on the faulting
// goroutine; a panic inside it is swallowed and the report is kept.
func WithReportCallback(fn func(*Report)) Option {
	return func(c *handlerConfig) {
		c.callback = fn
	}
}

// Handler turns faults into persisted reports.
type Handler struct {
	sink       Sink
	dir        string
	installID  string
	metadata   Metadata
	launchTime time.Time
	maxFrames  int
	scrubber   *Scrubber
	logger     *slog.Logger
	now        func() time.Time
	repanic    bool
	harvest    bool
	callback   func(*Report)

	userID  atomic.Pointer[string]
	session atomic.Pointer[session]
}

// NewHandler builds a handler without installing it. Use it to capture or
// harvest from tools that must not replace the process-wide handler.
func NewHandler(opts ...Option) (*Handler, error) {
	cfg := &handlerConfig{
		maxFrames: DefaultMaxFrames,
		repanic:   true,
		harvest:   true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.sink == nil {
		cfg.sink = noopSink{}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.maxFrames <= 0 {
		cfg.maxFrames = DefaultMaxFrames
	}

	installID := cfg.installID
	if installID == uuid.Nil && cfg.dir != "" {
		id, err := LoadOrCreateInstallID(filepath.Join(cfg.dir, InstallIDFile))
		if err != nil {
			return nil, fmt.Errorf("load install id: %w", err)
		}
		installID = id
	}

	var md Metadata
	if cfg.metadata != nil {
		md = *cfg.metadata
	} else {
		md = CollectMetadata(cfg.app)
	}

	h := &Handler{
		sink:       cfg.sink,
		dir:        cfg.dir,
		metadata:   md,
		launchTime: LaunchTime(),
		maxFrames:  cfg.maxFrames,
		scrubber:   cfg.scrubber,
		logger:     cfg.logger,
		now:        cfg.now,
		repanic:    cfg.repanic,
		harvest:    cfg.harvest,
		callback:   cfg.callback,
	}
	if installID != uuid.Nil {
		h.installID = installID.String()
	}
	return h, nil
}

// Install creates a handler and makes it the process-wide handler used by
// Recover. When a directory is configured it first harvests crash-output
// sessions left by dead processes into the sink, then opens a session of its
// own so that uncaught panics, fatal runtime errors and fatal signals are
// recorded by the runtime. A previously installed handler is replaced and its
// session closed.
func Install(opts ...Option) (*Handler, error) {
	h, err := NewHandler(opts...)
	if err != nil {
		return nil, err
	}

	if h.dir != "" {
		if h.harvest {
			if n, err := h.HarvestSessions(context.Background()); err != nil {
				h.logger.Warn("crashpad: harvest incomplete", "harvested", n, "error", err)
			} else if n > 0 {
				h.logger.Info("crashpad: harvested crashed sessions", "count", n)
			}
		}
		if err := h.startSession(); err != nil {
			if errors.Is(err, errors.ErrUnsupported) {
				h.logger.Debug("crashpad: crash-output sessions unsupported on this platform")
			} else {
				h.logger.Warn("crashpad: crash-output session unavailable", "error", err)
			}
		}
	}

	if prev := active.Swap(h); prev != nil && prev != h {
		h.takeOverSession(prev)
	}
	return h, nil
}

// takeOverSession retires the session of the handler h replaces. When h has
// no session of its own the runtime still writes crash output to prev's
// file, so h keeps that session alive if it has a directory, and detaches
// the crash output otherwise.
func (h *Handler) takeOverSession(prev *Handler) {
	switch {
	case h.session.Load() != nil:
		prev.endSession(false)
	case h.dir != "":
		if s := prev.session.Swap(nil); s != nil {
			h.session.Store(s)
		}
	default:
		prev.endSession(true)
	}
}

// Active returns the installed handler, or nil.
func Active() *Handler {
	return active.Load()
}

// InstallID returns the install ID stamped on reports.
func (h *Handler) InstallID() string {
	return h.installID
}

// Metadata returns the handler's metadata snapshot.
func (h *Handler) Metadata() Metadata {
	return h.metadata
}

// SetUserID associates subsequent reports with a user. An ID set on the
// context with WithUserID takes precedence.
func (h *Handler) SetUserID(userID string) {
	h.userID.Store(&userID)
	if s := h.session.Load(); s != nil {
		s.markUser(userID)
	}
}

// Close uninstalls the handler if it is installed, removes its crash-output
// session and closes the sink.
func (h *Handler) Close() error {
	installed := active.CompareAndSwap(h, nil)
	h.endSession(installed)
	return h.sink.Close()
}

// Recover captures a panic with the installed handler. It must be deferred
// directly:
//
//	func worker() {
//	    defer crashpad.Recover()
//	    // code that might panic
//	}
//
// After the report is persisted the panic continues with the original value.
// Without an installed handler the panic continues untouched.
func Recover() {
	r := recover()
	if r == nil {
		return
	}
	h := active.Load()
	if h == nil {
		panic(r)
	}
	h.handlePanic(context.Background(), r)
}

// RecoverContext is Recover with a context carrying a user ID and report
// properties.
func RecoverContext(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	h := active.Load()
	if h == nil {
		panic(r)
	}
	h.handlePanic(ctx, r)
}

// Recover captures a panic with h, whether or not h is installed. It must be
// deferred directly.
func (h *Handler) Recover() {
	r := recover()
	if r == nil {
		return
	}
	h.handlePanic(context.Background(), r)
}

// RecoverContext is Handler.Recover with a context.
func (h *Handler) RecoverContext(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	h.handlePanic(ctx, r)
}

func (h *Handler) handlePanic(ctx context.Context, recovered any) {
	h.capturePanic(ctx, recovered)
	if h.repanic {
		panic(recovered)
	}
}

// capturePanic never panics and never returns an error: a fault inside the
// hook must not mask the original fault.
func (h *Handler) capturePanic(ctx context.Context, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			captureFailures.WithLabelValues("hook").Inc()
		}
	}()

	frames := CaptureFrames(0, h.maxFrames)
	report, err := h.Capture(ctx, panicFault(recovered), frames)
	if err != nil {
		return
	}
	if s := h.session.Load(); s != nil {
		s.markCaptured(report.ID, panicDigest(formatRecovered(recovered)))
	}
}

// Capture assembles a report from already captured fault data, stamps it
// with identity, metadata and process state, and writes it to the sink.
func (h *Handler) Capture(ctx context.Context, fault Fault, frames []Frame) (Report, error) {
	r := Report{
		ID:         uuid.NewString(),
		InstallID:  h.installID,
		Timestamp:  h.now().UTC(),
		LaunchTime: h.launchTime,
		Fault:      fault,
		Frames:     h.boundFrames(frames),
		Metadata:   h.metadata,
		Process:    CaptureProcess(h.launchTime),
		UserID:     h.currentUserID(ctx),
		Properties: PropertiesFromContext(ctx),
	}
	h.runCallback(&r)
	if err := h.persist(ctx, &r); err != nil {
		return r, err
	}
	return r, nil
}

func (h *Handler) boundFrames(frames []Frame) []Frame {
	if frames == nil {
		return []Frame{}
	}
	if len(frames) > h.maxFrames {
		return frames[:h.maxFrames]
	}
	return frames
}

func (h *Handler) currentUserID(ctx context.Context) string {
	if id, ok := UserIDFromContext(ctx); ok {
		return id
	}
	if id := h.userID.Load(); id != nil {
		return *id
	}
	return ""
}

func (h *Handler) runCallback(r *Report) {
	if h.callback == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			captureFailures.WithLabelValues("callback").Inc()
		}
	}()
	h.callback(r)
}

// persist scrubs, fingerprints and writes a finished report.
func (h *Handler) persist(ctx context.Context, r *Report) error {
	if h.scrubber != nil {
		h.scrubber.ScrubReport(r)
	}
	r.Fingerprint = Fingerprint(*r)

	if err := h.sink.Write(ctx, *r); err != nil {
		captureFailures.WithLabelValues("sink").Inc()
		return fmt.Errorf("write report %s: %w", r.ID, err)
	}
	reportsCaptured.WithLabelValues(string(r.Fault.Kind)).Inc()
	return nil
}

// panicFault describes a recovered panic value.
func panicFault(recovered any) Fault {
	fault := Fault{
		Kind:   FaultPanic,
		Type:   fmt.Sprintf("%T", recovered),
		Reason: formatRecovered(recovered),
	}
	if re, ok := recovered.(runtime.Error); ok && strings.Contains(re.Error(), "invalid memory address") {
		fault.Signal = "SIGSEGV"
	}
	return fault
}

// formatRecovered formats a recovered panic value as a string.
func formatRecovered(recovered any) string {
	if recovered == nil {
		return "<nil>"
	}
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", recovered)
}
