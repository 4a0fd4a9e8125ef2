// Package reporter assembles a complete crash reporter from config.Settings:
// install ID, metadata snapshot, spool, process-wide handler and uploader.
//
//	settings, err := config.Load(config.Chain{config.Env{}, file})
//	...
//	r, err := reporter.Start(settings)
//	if err != nil {
//	    slog.Warn("crash reporting disabled", "error", err)
//	}
//	defer r.Close()
//	go r.Upload(ctx) // drain reports left by earlier runs
//
//	defer crashpad.Recover()
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/config"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/sinks/multi"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/spool"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/transport"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/upload"
)

// ErrUploadDisabled is returned by Upload when no endpoint is configured.
var ErrUploadDisabled = errors.New("upload endpoint not configured")

// tempMaxAge is how old a temporary spool file must be before Start deletes
// it. Younger files may belong to a live writer in another process.
const tempMaxAge = time.Hour

// Option configures Start.
type Option func(*options)

type options struct {
	poster      transport.Poster
	extraSinks  []crashpad.Sink
	delivered   crashpad.Sink
	handlerOpts []crashpad.Option
	logger      *slog.Logger
}

// WithPoster replaces the HTTP client used for uploads.
func WithPoster(p transport.Poster) Option {
	return func(o *options) {
		o.poster = p
	}
}

// WithCaptureSink writes captured reports to sink in addition to the spool.
func WithCaptureSink(sink crashpad.Sink) Option {
	return func(o *options) {
		o.extraSinks = append(o.extraSinks, sink)
	}
}

// WithDeliveredSink mirrors delivered reports to sink.
func WithDeliveredSink(sink crashpad.Sink) Option {
	return func(o *options) {
		o.delivered = sink
	}
}

// WithHandlerOptions passes extra options to crashpad.Install, after the
// ones derived from settings.
func WithHandlerOptions(opts ...crashpad.Option) Option {
	return func(o *options) {
		o.handlerOpts = append(o.handlerOpts, opts...)
	}
}

// WithLogger sets the logger passed to the handler, the spool and the
// uploader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Reporter is a started crash reporter.
type Reporter struct {
	handler  *crashpad.Handler
	store    *spool.Store
	uploader *upload.Uploader
	logger   *slog.Logger
}

// Start opens the spool, installs the process-wide handler (harvesting
// crash-output sessions of dead processes into the spool) and prepares the
// uploader.
func Start(settings config.Settings, opts ...Option) (*Reporter, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	store, err := spool.Open(settings.SpoolDir(),
		spool.WithCompression(settings.Compression),
		spool.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	if n, err := store.Sweep(tempMaxAge); err != nil {
		o.logger.Warn("crashpad: sweep spool", "error", err)
	} else if n > 0 {
		o.logger.Info("crashpad: removed abandoned spool files", "count", n)
	}

	var sink crashpad.Sink = store
	if len(o.extraSinks) > 0 {
		sink = multi.New(append([]crashpad.Sink{store}, o.extraSinks...)...)
	}

	handlerOpts := append([]crashpad.Option{
		crashpad.WithDir(settings.Dir),
		crashpad.WithSink(sink),
		crashpad.WithApp(settings.App),
		crashpad.WithMaxFrames(settings.MaxFrames),
		crashpad.WithDefaultScrubbing(),
		crashpad.WithLogger(o.logger),
	}, o.handlerOpts...)

	handler, err := crashpad.Install(handlerOpts...)
	if err != nil {
		return nil, err
	}

	r := &Reporter{
		handler: handler,
		store:   store,
		logger:  o.logger,
	}
	if settings.Endpoint != "" {
		poster := o.poster
		if poster == nil {
			poster = transport.NewHTTPClient(transport.WithTotalTimeout(settings.UploadTimeout))
		}
		r.uploader = upload.New(store, poster,
			upload.WithEndpoint(settings.Endpoint),
			upload.WithAPIKey(settings.APIKey),
			upload.WithMaxAttempts(settings.MaxAttempts),
			upload.WithMaxAge(settings.MaxAge),
			upload.WithTimeout(settings.UploadTimeout),
			upload.WithConcurrency(settings.Concurrency),
			upload.WithRateLimit(settings.UploadRate),
			upload.WithDeliveredSink(o.delivered),
			upload.WithLogger(o.logger),
		)
	}
	return r, nil
}

// Handler returns the installed handler.
func (r *Reporter) Handler() *crashpad.Handler {
	return r.handler
}

// Store returns the spool.
func (r *Reporter) Store() *spool.Store {
	return r.store
}

// Upload makes one delivery pass over the spool.
func (r *Reporter) Upload(ctx context.Context) (upload.Summary, error) {
	if r.uploader == nil {
		return upload.Summary{}, ErrUploadDisabled
	}
	return r.uploader.Run(ctx)
}

// Close uninstalls the handler. Pending reports stay in the spool.
func (r *Reporter) Close() error {
	return r.handler.Close()
}
