// session.go records faults the in-process hook cannot see.
//
// Go has no process-wide panic hook: a panic on a goroutine without a
// deferred Recover, a fatal runtime error or a fatal signal kills the process
// after the runtime prints a traceback. Each installed handler therefore
// opens a session file, holds an exclusive lock on it for the life of the
// process and hands it to debug.SetCrashOutput so the runtime appends its
// traceback there. The kernel drops the lock when the process dies; the next
// process that installs a handler finds the unlocked file and turns its
// traceback into a report.

package crashpad

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	// SessionsDir is the directory inside the crashpad directory that holds
	// crash-output sessions.
	SessionsDir = "sessions"

	sessionExt = ".log"

	// CrashLogAttachment is the attachment name of the raw runtime output
	// on harvested reports.
	CrashLogAttachment = "crash.log"

	markerHeader   = "crashpad-session "
	markerCaptured = "crashpad-captured "
	markerUser     = "crashpad-user "
)

const (
	outcomeReported  = "reported"
	outcomeDuplicate = "duplicate"
	outcomeClean     = "clean"
)

// sessionHeader is the first line of a session file. ReportID is allocated
// when the session opens so that harvesting the same session twice produces
// the same report.
type sessionHeader struct {
	ReportID    string    `json:"report_id"`
	InstallID   string    `json:"install_id"`
	LaunchTime  time.Time `json:"launch_time"`
	PID         int       `json:"pid"`
	ProcessName string    `json:"process_name"`
	UserID      string    `json:"user_id,omitempty"`
	Metadata    Metadata  `json:"metadata"`
}

// session is the open crash-output file of a live handler.
type session struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// markCaptured records that the hook reported a panic, with the digest of
// the panic message the runtime would print if the panic went on to kill
// the process.
func (s *session) markCaptured(reportID, digest string) {
	s.mark(markerCaptured, reportID+" "+digest)
}

func (s *session) markUser(userID string) {
	s.mark(markerUser, userID)
}

func (s *session) mark(prefix, value string) {
	value = strings.ReplaceAll(value, "\n", " ")
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.file.WriteString(prefix + value + "\n")
}

// remove deletes the session file and releases its lock.
func (s *session) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.Remove(s.path)
	_ = s.file.Close()
}

func encodeSessionHeader(h sessionHeader) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal session header: %w", err)
	}
	line := make([]byte, 0, len(markerHeader)+len(data)+1)
	line = append(line, markerHeader...)
	line = append(line, data...)
	return append(line, '\n'), nil
}

// capturedPanic is one captured marker line.
type capturedPanic struct {
	reportID string
	digest   string
}

// sessionLog is the parsed content of a session file.
type sessionLog struct {
	header    sessionHeader
	hasHeader bool
	userID    string
	captured  []capturedPanic
	crash     string
}

// capturedDigest reports whether the hook captured a panic whose message
// has the given digest.
func (l sessionLog) capturedDigest(digest string) bool {
	for _, c := range l.captured {
		if c.digest != "" && c.digest == digest {
			return true
		}
	}
	return false
}

// panicDigest identifies a panic message by its first line.
func panicDigest(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	sum := blake3.Sum256([]byte(strings.TrimSpace(line)))
	return hex.EncodeToString(sum[:8])
}

// parseSessionLog splits a session file into our marker lines and the
// runtime's crash output. It is lenient: a damaged header leaves the header
// zero so the crash output is still reported.
func parseSessionLog(data []byte) sessionLog {
	var log sessionLog
	var crash strings.Builder

	for line := range bytes.Lines(data) {
		text := strings.TrimRight(string(line), "\r\n")
		switch {
		case strings.HasPrefix(text, markerHeader):
			if log.hasHeader {
				continue
			}
			if err := json.Unmarshal([]byte(text[len(markerHeader):]), &log.header); err == nil {
				log.hasHeader = true
				log.userID = log.header.UserID
			}
		case strings.HasPrefix(text, markerCaptured):
			id, digest, _ := strings.Cut(text[len(markerCaptured):], " ")
			log.captured = append(log.captured, capturedPanic{reportID: id, digest: digest})
		case strings.HasPrefix(text, markerUser):
			log.userID = text[len(markerUser):]
		default:
			crash.WriteString(text)
			crash.WriteByte('\n')
		}
	}
	log.crash = strings.TrimSpace(crash.String())
	return log
}

func (h *Handler) startSession() error {
	header := sessionHeader{
		ReportID:    uuid.NewString(),
		InstallID:   h.installID,
		LaunchTime:  h.launchTime,
		PID:         os.Getpid(),
		ProcessName: processName(),
		Metadata:    h.metadata,
	}
	if id := h.userID.Load(); id != nil {
		header.UserID = *id
	}

	s, err := openSession(filepath.Join(h.dir, SessionsDir), header)
	if err != nil {
		return err
	}
	if err := debug.SetCrashOutput(s.file, debug.CrashOptions{}); err != nil {
		s.remove()
		return fmt.Errorf("set crash output: %w", err)
	}
	h.session.Store(s)
	return nil
}

// endSession removes the handler's session. resetOutput also detaches the
// runtime crash output; it is false when a newer handler already replaced it.
func (h *Handler) endSession(resetOutput bool) {
	s := h.session.Swap(nil)
	if s == nil {
		return
	}
	if resetOutput {
		_ = debug.SetCrashOutput(nil, debug.CrashOptions{})
	}
	s.remove()
}

// HarvestSessions converts the sessions of dead processes into reports and
// writes them to the handler's sink. Sessions of live processes are skipped.
// A session is deleted only after its report is persisted, so a harvest that
// fails part way is retried on the next call and yields the same report ID.
// It returns the number of reports written.
func (h *Handler) HarvestSessions(ctx context.Context) (int, error) {
	if h.dir == "" {
		return 0, nil
	}
	dir := filepath.Join(h.dir, SessionsDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, WrapError(PersistenceFailure, "read sessions directory", err)
	}

	var errs []error
	harvested := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return harvested, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sessionExt) {
			continue
		}
		reported, err := h.harvestSession(ctx, filepath.Join(dir, entry.Name()))
		if errors.Is(err, errors.ErrUnsupported) {
			return harvested, nil
		}
		if err != nil {
			captureFailures.WithLabelValues("harvest").Inc()
			errs = append(errs, err)
			continue
		}
		if reported {
			harvested++
		}
	}
	return harvested, errors.Join(errs...)
}

func (h *Handler) harvestSession(ctx context.Context, path string) (bool, error) {
	file, locked, err := lockSession(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil // owner still running
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return false, WrapErrorWithContext(PersistenceFailure, "read session", err,
			map[string]any{"path": path})
	}
	info, err := file.Stat()
	if err != nil {
		return false, WrapErrorWithContext(PersistenceFailure, "stat session", err,
			map[string]any{"path": path})
	}

	report, outcome := h.reportFromSession(parseSessionLog(data), info.ModTime())
	if outcome == outcomeReported {
		if err := h.persist(ctx, &report); err != nil {
			return false, err
		}
	}
	sessionsHarvested.WithLabelValues(outcome).Inc()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		h.logger.Warn("crashpad: remove harvested session", "path", path, "error", err)
	}
	h.logger.Debug("crashpad: session harvested", "path", path, "outcome", outcome, "report_id", report.ID)
	return outcome == outcomeReported, nil
}

// reportFromSession decides what a dead session means: a clean exit, a
// re-panic the in-process hook already reported, or a new report.
func (h *Handler) reportFromSession(log sessionLog, modTime time.Time) (Report, string) {
	if log.crash == "" {
		return Report{}, outcomeClean
	}

	crash := parseCrashText(log.crash, h.maxFrames)
	if crash.recovered && log.capturedDigest(panicDigest(crash.message)) {
		return Report{}, outcomeDuplicate
	}

	r := Report{
		ID:         log.header.ReportID,
		InstallID:  log.header.InstallID,
		Timestamp:  modTime.UTC(),
		LaunchTime: log.header.LaunchTime.UTC(),
		Fault:      crash.fault,
		Frames:     crash.frames,
		Metadata:   log.header.Metadata,
		Process: Process{
			PID:        log.header.PID,
			Name:       log.header.ProcessName,
			Goroutines: crash.goroutines,
		},
		UserID: log.userID,
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		r.ID = uuid.NewString()
	}
	if !log.hasHeader {
		r.InstallID = h.installID
		r.Metadata = h.metadata
		r.LaunchTime = time.Time{}
	}
	if !r.LaunchTime.IsZero() && r.Timestamp.After(r.LaunchTime) {
		r.Process.UptimeMs = r.Timestamp.Sub(r.LaunchTime).Milliseconds()
	}
	r.AddTextAttachment(CrashLogAttachment, log.crash)
	return r, outcomeReported
}
