// Package stderr provides a sink that prints reports in human-readable form.
// Useful during development and from the maintenance CLI.
package stderr

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
)

// Option configures the stderr sink.
type Option func(*sink)

// WithVerbose also prints stack frames and properties.
func WithVerbose() Option {
	return func(s *sink) {
		s.verbose = true
	}
}

// WithWriter sends output to w instead of os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(s *sink) {
		s.out = w
	}
}

type sink struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

// New creates a sink that writes to stderr.
func New(opts ...Option) crashpad.Sink {
	s := &sink{out: os.Stderr}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write formats and prints the report.
func (s *sink) Write(_ context.Context, r crashpad.Report) error {
	var b strings.Builder

	// [CRASHPAD] <timestamp> <KIND> <type> in <app> <version> (report: <id>)
	fmt.Fprintf(&b, "[CRASHPAD] %s %s %s",
		r.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		strings.ToUpper(string(r.Fault.Kind)),
		r.Fault.Type)
	if r.Metadata.AppName != "" {
		fmt.Fprintf(&b, " in %s", r.Metadata.AppName)
		if r.Metadata.AppVersion != "" {
			fmt.Fprintf(&b, " %s", r.Metadata.AppVersion)
		}
	}
	fmt.Fprintf(&b, " (report: %s)\n", r.ID)

	if r.Fault.Reason != "" {
		fmt.Fprintf(&b, "        Reason: %s\n", r.Fault.Reason)
	}
	if r.Fault.Signal != "" {
		fmt.Fprintf(&b, "        Signal: %s\n", r.Fault.Signal)
	}
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "        Fingerprint: %s\n", r.Fingerprint)
	}
	if r.Attempts > 0 {
		fmt.Fprintf(&b, "        Attempts: %d\n", r.Attempts)
	}

	if s.verbose {
		if len(r.Frames) > 0 {
			b.WriteString("        Stack trace:\n")
			for i, f := range r.Frames {
				symbol := f.Symbol
				if symbol == "" {
					symbol = "?"
				}
				fmt.Fprintf(&b, "          #%d 0x%x %s\n", i, f.Address, symbol)
			}
		}
		for _, key := range slices.Sorted(maps.Keys(r.Properties)) {
			fmt.Fprintf(&b, "        %s: %s\n", key, r.Properties[key])
		}
		for _, a := range r.Attachments {
			fmt.Fprintf(&b, "        Attachment: %s (%s, %d bytes)\n", a.FileName, a.ContentType, len(a.Data))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, b.String())
	return err
}

// Flush is a no-op for the stderr sink.
func (s *sink) Flush(context.Context) error {
	return nil
}

// Close is a no-op for the stderr sink.
func (s *sink) Close() error {
	return nil
}
