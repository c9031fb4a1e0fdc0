// Package batch drives paged, partially-failing work over the lead population.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/platform/apperr"
	"leadsegments_backend/platform/config"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// LeadPager is the slice of the lead store a run reads from.
type LeadPager interface {
	PageLeads(ctx context.Context, filter domain.LeadFilter, cursor *domain.Cursor, size int) (domain.LeadPage, error)
}

// ItemFunc performs one unit of work. Returning an error records the lead as
// failed; the run goes on.
type ItemFunc func(ctx context.Context, lead domain.Lead) (domain.Outcome, error)

// Observer receives per-item and per-page results, e.g. for metrics.
type Observer interface {
	ObserveItem(kind, result string)
	ObservePage(kind string, ok bool)
}

// Item results reported to the Observer.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// Options controls paging, parallelism and the failure policy.
type Options struct {
	PageSize         int
	Workers          int
	PageTimeout      time.Duration
	FetchRetries     int
	RetryBaseDelay   time.Duration
	MaxFailureRatio  float64
	MinItemsForAbort int
	StoreRPS         float64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:         200,
		Workers:          8,
		PageTimeout:      2 * time.Minute,
		FetchRetries:     3,
		RetryBaseDelay:   200 * time.Millisecond,
		MaxFailureRatio:  0.5,
		MinItemsForAbort: 50,
	}
}

// OptionsFromConfig reads Options from the batch configuration.
func OptionsFromConfig(cfg config.BatchConfig) Options {
	opts := DefaultOptions()
	opts.PageSize = cfg.GetBatchPageSize()
	opts.Workers = cfg.GetBatchWorkers()
	opts.PageTimeout = cfg.GetBatchPageTimeout()
	opts.FetchRetries = cfg.GetBatchFetchRetries()
	opts.MaxFailureRatio = cfg.GetBatchMaxFailureRatio()
	opts.MinItemsForAbort = cfg.GetBatchMinItemsForAbort()
	opts.StoreRPS = cfg.GetBatchStoreRPS()
	return opts
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.PageSize < 1 {
		o.PageSize = def.PageSize
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.PageTimeout <= 0 {
		o.PageTimeout = def.PageTimeout
	}
	if o.FetchRetries < 1 {
		o.FetchRetries = 1
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = def.RetryBaseDelay
	}
	if o.MaxFailureRatio <= 0 || o.MaxFailureRatio > 1 {
		o.MaxFailureRatio = 1
	}
	if o.MinItemsForAbort < 0 {
		o.MinItemsForAbort = 0
	}
	return o
}

// Runner pages through leads and fans each page out to a bounded worker pool.
// Cancellation is honoured between pages only: a started page always runs to
// completion or to its timeout.
type Runner struct {
	pager    LeadPager
	opts     Options
	clock    ports.Clock
	limiter  *rate.Limiter
	observer Observer
	log      *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(pager LeadPager, opts Options, clock ports.Clock, log *logger.Logger) *Runner {
	opts = opts.normalized()
	if clock == nil {
		clock = ports.SystemClock{}
	}
	r := &Runner{pager: pager, opts: opts, clock: clock, log: log}
	if opts.StoreRPS > 0 {
		burst := int(opts.StoreRPS)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.StoreRPS), burst)
	}
	return r
}

// SetObserver attaches an Observer.
func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

// Options returns the effective options.
func (r *Runner) Options() Options {
	return r.opts
}

// Run processes every lead matching filter. The returned stats are always
// non-nil. The error is a BatchAborted error when the failure ratio tripped,
// a StoreAccess error when a page could not be fetched, or ctx's error when
// the run was cancelled.
func (r *Runner) Run(ctx context.Context, kind string, filter domain.LeadFilter, fn ItemFunc) (*domain.RunStats, error) {
	acc := &accumulator{
		stats: &domain.RunStats{
			RunID:     uuid.NewString(),
			Kind:      kind,
			StartedAt: r.clock.Now(),
		},
		segments: make(domain.SegmentSet),
	}
	log := r.logger().WithRunID(acc.stats.RunID)

	var runErr error
	var cursor *domain.Cursor
	for pageNo := 1; ; pageNo++ {
		if err := ctx.Err(); err != nil {
			acc.stats.Cancelled = true
			runErr = err
			break
		}

		page, err := r.fetch(ctx, log, filter, cursor)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				acc.stats.Cancelled = true
				runErr = ctxErr
				break
			}
			// Without the page we do not know where the next one starts.
			acc.stats.FailedPages++
			acc.stats.Failures = append(acc.stats.Failures, domain.PageFailure(pageNo, err.Error()))
			r.observePage(kind, false)
			runErr = apperr.StoreAccess("page leads", err)
			break
		}

		acc.stats.Pages++
		timedOut := r.processPage(ctx, kind, page.Leads, fn, acc)
		if timedOut {
			acc.stats.FailedPages++
			acc.stats.Failures = append(acc.stats.Failures, domain.PageTimeout(pageNo))
		}
		r.observePage(kind, !timedOut)

		if r.shouldAbort(acc.stats) {
			acc.stats.Aborted = true
			runErr = apperr.BatchAborted(
				fmt.Sprintf("%s aborted: %d of %d items failed", kind, acc.stats.Failed, acc.stats.Processed),
				acc.stats.Clone(),
			)
			break
		}

		if page.Next == nil || len(page.Leads) == 0 {
			break
		}
		cursor = page.Next
	}

	acc.stats.SegmentsAffected = acc.segments.Len()
	acc.stats.FinishedAt = r.clock.Now()
	log.BatchRun(kind, acc.stats.Status(), acc.stats.Processed, acc.stats.Succeeded, acc.stats.Failed, acc.stats.Skipped,
		float64(acc.stats.Duration().Microseconds())/1000)

	return acc.stats, runErr
}

func (r *Runner) shouldAbort(stats *domain.RunStats) bool {
	if stats.Processed == 0 || stats.Processed < r.opts.MinItemsForAbort {
		return false
	}
	return stats.FailureRatio() > r.opts.MaxFailureRatio
}

// fetch reads one page, retrying with quadratic backoff. Each attempt gets
// its own PageTimeout.
func (r *Runner) fetch(ctx context.Context, log *logger.Logger, filter domain.LeadFilter, cursor *domain.Cursor) (domain.LeadPage, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.FetchRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.PageTimeout)
		page, err := r.pager.PageLeads(attemptCtx, filter, cursor, r.opts.PageSize)
		cancel()
		if err == nil {
			return page, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return domain.LeadPage{}, ctx.Err()
		}
		log.Warn("retryable operation failed", "operation", "page leads", "attempt", attempt, "error", err)

		if attempt < r.opts.FetchRetries {
			delay := time.Duration(attempt*attempt) * r.opts.RetryBaseDelay
			select {
			case <-ctx.Done():
				return domain.LeadPage{}, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return domain.LeadPage{}, lastErr
}

// processPage runs fn for every lead of the page and reports whether the
// page hit its timeout.
func (r *Runner) processPage(ctx context.Context, kind string, leads []domain.Lead, fn ItemFunc, acc *accumulator) bool {
	pageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.PageTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(r.opts.Workers)

	for _, lead := range leads {
		g.Go(func() error {
			if r.limiter != nil {
				if err := r.limiter.Wait(pageCtx); err != nil {
					acc.record(lead.ID, domain.Outcome{}, err)
					r.observeItem(kind, ResultFailed)
					return nil
				}
			}
			outcome, err := r.invoke(pageCtx, fn, lead)
			acc.record(lead.ID, outcome, err)
			r.observeItem(kind, resultOf(outcome, err))
			return nil
		})
	}
	_ = g.Wait()

	return errors.Is(pageCtx.Err(), context.DeadlineExceeded)
}

func (r *Runner) invoke(ctx context.Context, fn ItemFunc, lead domain.Lead) (outcome domain.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, lead)
}

func (r *Runner) observeItem(kind, result string) {
	if r.observer != nil {
		r.observer.ObserveItem(kind, result)
	}
}

func (r *Runner) observePage(kind string, ok bool) {
	if r.observer != nil {
		r.observer.ObservePage(kind, ok)
	}
}

func (r *Runner) logger() *logger.Logger {
	if r.log == nil {
		return logger.Nop()
	}
	return r.log
}

func resultOf(outcome domain.Outcome, err error) string {
	switch {
	case err != nil:
		return ResultFailed
	case outcome.Skipped:
		return ResultSkipped
	default:
		return ResultSucceeded
	}
}

type accumulator struct {
	mu       sync.Mutex
	stats    *domain.RunStats
	segments domain.SegmentSet
}

func (a *accumulator) record(leadID uuid.UUID, outcome domain.Outcome, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.Processed++
	switch {
	case err != nil:
		a.stats.Failed++
		a.stats.Failures = append(a.stats.Failures, domain.ItemFailure{ItemID: leadID.String(), Reason: err.Error()})
		return
	case outcome.Skipped:
		a.stats.Skipped++
	default:
		a.stats.Succeeded++
	}

	a.stats.Attached += outcome.Attached
	a.stats.Detached += outcome.Detached
	a.stats.DecayedPoints += outcome.DecayedPoints
	if outcome.ScoreChanged {
		a.stats.ScoresChanged++
	}
	for _, id := range outcome.SegmentsTouched {
		a.segments.Add(id)
	}
}
