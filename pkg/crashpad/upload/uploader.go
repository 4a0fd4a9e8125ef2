// Package upload drains the spool into the crash-ingestion service.
//
// Each call to Run makes at most one delivery attempt per pending report.
// There is no retry loop and no background scheduler: a report that fails
// transiently stays in the spool with its attempt counter incremented and is
// tried again on a later Run, typically the next process start.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/strongdm/ai-crashpad/pkg/crashpad"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/spool"
	"github.com/strongdm/ai-crashpad/pkg/crashpad/transport"
)

// Defaults applied by New.
const (
	// DefaultMaxAttempts is the number of failed deliveries after which a
	// report is discarded.
	DefaultMaxAttempts = 5

	// DefaultMaxAge is the age after which an undelivered report is
	// discarded.
	DefaultMaxAge = 30 * 24 * time.Hour

	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 10 * time.Second
)

// Outcome is what a single Run did with one report.
type Outcome string

const (
	Delivered            Outcome = "delivered"
	Retrying             Outcome = "retrying"
	DiscardedPermanent   Outcome = "discarded-permanent"
	DiscardedMaxAttempts Outcome = "discarded-max-attempts"
	DiscardedExpired     Outcome = "discarded-expired"
	DiscardedCorrupt     Outcome = "discarded-corrupt"
)

// Retired reports whether the outcome removed the report from the spool.
func (o Outcome) Retired() bool {
	return o != Retrying
}

// Queue is the part of the spool the uploader uses. *spool.Store satisfies
// it. Load must wrap spool.ErrUnreadable for corrupt entries and
// spool.ErrNotFound for entries retired by someone else.
type Queue interface {
	List() ([]string, error)
	Load(id string) (crashpad.Report, error)
	Update(r crashpad.Report) error
	Retire(id string) error
}

// Result is the fate of one report in a Run.
type Result struct {
	ReportID string
	Outcome  Outcome
	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int
	// Err is the delivery failure behind a Retrying or DiscardedPermanent
	// outcome.
	Err error
}

// Summary describes one Run.
type Summary struct {
	Results []Result
}

// Count returns how many reports ended with the outcome.
func (s Summary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Discarded returns how many reports were retired without delivery.
func (s Summary) Discarded() int {
	n := 0
	for _, r := range s.Results {
		if r.Outcome.Retired() && r.Outcome != Delivered {
			n++
		}
	}
	return n
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithEndpoint sets the URL reports are posted to.
func WithEndpoint(url string) Option {
	return func(u *Uploader) {
		u.endpoint = url
	}
}

// WithAPIKey sets the App-Secret header.
func WithAPIKey(key string) Option {
	return func(u *Uploader) {
		u.apiKey = key
	}
}

// WithMaxAttempts sets how many failed attempts a report may accumulate
// before it is discarded. Zero or less disables the limit.
func WithMaxAttempts(n int) Option {
	return func(u *Uploader) {
		u.maxAttempts = n
	}
}

// WithMaxAge discards reports captured longer ago than d. Zero disables the
// limit.
func WithMaxAge(d time.Duration) Option {
	return func(u *Uploader) {
		u.maxAge = d
	}
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(d time.Duration) Option {
	return func(u *Uploader) {
		if d > 0 {
			u.timeout = d
		}
	}
}

// WithConcurrency sets how many reports are delivered in parallel.
func WithConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithRateLimit paces requests to perSecond. Zero or less means unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(u *Uploader) {
		if perSecond > 0 {
			u.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			u.limiter = nil
		}
	}
}

// WithDeliveredSink mirrors every delivered report to sink. Mirror failures
// are logged and do not affect the report's outcome.
func WithDeliveredSink(sink crashpad.Sink) Option {
	return func(u *Uploader) {
		u.delivered = sink
	}
}

// WithLogger sets the logger for per-report outcomes. The default is
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithClock sets the time source used for the MaxAge check.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		u.now = now
	}
}

// Uploader delivers pending reports. Run may be called repeatedly; it is not
// safe to call Run concurrently on the same Uploader.
type Uploader struct {
	queue       Queue
	poster      transport.Poster
	endpoint    string
	apiKey      string
	maxAttempts int
	maxAge      time.Duration
	timeout     time.Duration
	concurrency int
	limiter     *rate.Limiter
	delivered   crashpad.Sink
	logger      *slog.Logger
	now         func() time.Time
}

// New returns an Uploader reading from queue and sending through poster.
func New(queue Queue, poster transport.Poster, opts ...Option) *Uploader {
	u := &Uploader{
		queue:       queue,
		poster:      poster,
		maxAttempts: DefaultMaxAttempts,
		maxAge:      DefaultMaxAge,
		timeout:     DefaultTimeout,
		concurrency: 1,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run makes one pass over the spool. Delivery failures are recorded in the
// summary, not returned; the error reports spool failures and cancellation.
func (u *Uploader) Run(ctx context.Context) (Summary, error) {
	if u.endpoint == "" {
		return Summary{}, crashpad.NewError(crashpad.PermanentDeliveryFailure, "upload endpoint is not configured")
	}

	ids, err := u.queue.List()
	if err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary Summary
		errs    []error
	)

	g := new(errgroup.Group)
	g.SetLimit(u.concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			result, err := u.process(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			if result.Outcome != "" {
				summary.Results = append(summary.Results, result)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(summary.Results, func(a, b Result) int {
		switch {
		case a.ReportID < b.ReportID:
			return -1
		case a.ReportID > b.ReportID:
			return 1
		}
		return 0
	})
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	u.logger.Info("crashpad: upload pass finished",
		"pending", len(ids),
		"delivered", summary.Count(Delivered),
		"retrying", summary.Count(Retrying),
		"discarded", summary.Discarded())
	return summary, errors.Join(errs...)
}

// process moves one report through its state machine. An empty outcome
// means the report was left untouched.
func (u *Uploader) process(ctx context.Context, id string) (Result, error) {
	result := Result{ReportID: id}

	r, err := u.queue.Load(id)
	switch {
	case errors.Is(err, spool.ErrNotFound):
		return Result{}, nil // retired by another process
	case errors.Is(err, spool.ErrUnreadable):
		u.logger.Warn("crashpad: discarding unreadable report", "report_id", id, "error", err)
		return u.retire(result, DiscardedCorrupt)
	case err != nil:
		return Result{}, err
	}

	if u.maxAttempts > 0 && r.Attempts >= u.maxAttempts {
		u.logger.Warn("crashpad: discarding report after max attempts", "report_id", id, "attempts", r.Attempts)
		return u.retire(result, DiscardedMaxAttempts)
	}
	if u.maxAge > 0 && !r.Timestamp.IsZero() && u.now().Sub(r.Timestamp) > u.maxAge {
		u.logger.Warn("crashpad: discarding expired report", "report_id", id, "captured", r.Timestamp)
		return u.retire(result, DiscardedExpired)
	}

	body, err := crashpad.MarshalWire(r)
	if err != nil {
		result.Err = crashpad.WrapError(crashpad.PermanentDeliveryFailure, "encode wire report", err)
		return u.retire(result, DiscardedPermanent)
	}

	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Result{}, nil
			}
			return Result{}, err
		}
	}

	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, u.timeout)
	resp, err := u.poster.Post(attemptCtx, u.endpoint, u.header(r), body)
	cancel()
	uploadDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// Cancelled by the caller, not a failed attempt. Run reports it.
		return Result{}, nil
	}
	if resp != nil {
		result.StatusCode = resp.StatusCode
	}

	deliveryErr := classify(resp, err)
	switch crashpad.KindOf(deliveryErr) {
	case "":
		u.mirror(ctx, r)
		u.logger.Info("crashpad: report delivered", "report_id", id, "status", result.StatusCode)
		return u.retire(result, Delivered)

	case crashpad.TransientDeliveryFailure:
		result.Err = deliveryErr
		r.Attempts++
		if err := u.queue.Update(r); err != nil {
			if errors.Is(err, spool.ErrNotFound) {
				return Result{}, nil
			}
			return Result{}, err
		}
		u.logger.Warn("crashpad: upload failed, will retry", "report_id", id, "attempts", r.Attempts, "error", deliveryErr)
		result.Outcome = Retrying
		uploadOutcomes.WithLabelValues(string(Retrying)).Inc()
		return result, nil

	default:
		result.Err = deliveryErr
		u.logger.Error("crashpad: report rejected", "report_id", id, "status", result.StatusCode, "error", deliveryErr)
		return u.retire(result, DiscardedPermanent)
	}
}

func (u *Uploader) retire(result Result, outcome Outcome) (Result, error) {
	if err := u.queue.Retire(result.ReportID); err != nil {
		return Result{}, err
	}
	result.Outcome = outcome
	uploadOutcomes.WithLabelValues(string(outcome)).Inc()
	return result, nil
}

func (u *Uploader) mirror(ctx context.Context, r crashpad.Report) {
	if u.delivered == nil {
		return
	}
	if err := u.delivered.Write(ctx, r); err != nil {
		u.logger.Warn("crashpad: mirror delivered report", "report_id", r.ID, "error", err)
	}
}

func (u *Uploader) header(r crashpad.Report) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		h.Set("App-Secret", u.apiKey)
	}
	if r.InstallID != "" {
		h.Set("Install-ID", r.InstallID)
	}
	h.Set("Idempotency-Key", r.ID)
	return h
}

// classify maps the result of a Post to nil (accepted) or a delivery
// failure. Timeouts, network errors, 429 and 5xx are transient.
func classify(resp *transport.Response, err error) error {
	if err != nil {
		return crashpad.WrapError(crashpad.TransientDeliveryFailure, "post report", err)
	}
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return crashpad.WrapErrorWithContext(crashpad.TransientDeliveryFailure,
			fmt.Sprintf("service returned %d", code), nil, responseContext(resp))
	default:
		return crashpad.WrapErrorWithContext(crashpad.PermanentDeliveryFailure,
			fmt.Sprintf("service returned %d", code), nil, responseContext(resp))
	}
}

func responseContext(resp *transport.Response) map[string]any {
	ctx := map[string]any{"status": resp.StatusCode}
	if len(resp.Body) > 0 {
		ctx["body"] = string(resp.Body)
	}
	return ctx
}
