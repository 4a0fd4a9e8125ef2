// sink.go defines the Sink interface for crash report destinations.

package crashpad

import "context"

// Sink is the destination for crash reports.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Write persists a report. Called on the faulting goroutine after
	// scrubbing, so it must not depend on other goroutines making progress.
	// Writing the same report ID twice must leave a single report.
	Write(ctx context.Context, report Report) error

	// Flush ensures any buffered reports are persisted.
	// For synchronous sinks, this may be a no-op.
	Flush(ctx context.Context) error

	// Close releases resources held by the sink.
	Close() error
}

// noopSink is an internal noop sink to avoid import cycles.
type noopSink struct{}

func (noopSink) Write(context.Context, Report) error { return nil }
func (noopSink) Flush(context.Context) error         { return nil }
func (noopSink) Close() error                        { return nil }
