// Package multi provides a sink that fans out to multiple sinks.
// All sinks receive all reports; errors are aggregated.
package multi

import (
	"context"
	"errors"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
)

type multiSink struct {
	sinks []crashpad.Sink
}

// New creates a sink that writes to every sink in order. Nil sinks are
// skipped.
func New(sinks ...crashpad.Sink) crashpad.Sink {
	s := &multiSink{}
	for _, sink := range sinks {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
	return s
}

// Write sends the report to all sinks, collecting any errors. All sinks are
// called even if some fail. The joined error keeps each sink's failure kind
// reachable through errors.As.
func (s *multiSink) Write(ctx context.Context, r crashpad.Report) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush calls Flush on all sinks, collecting any errors.
func (s *multiSink) Flush(ctx context.Context) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close calls Close on all sinks, collecting any errors.
func (s *multiSink) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
