// Package worker runs the bounded fetch pool. Workers pull assignments
// from the scheduler, pace themselves through the governor, perform the
// page fetch through the assigned identity and proxy, and report the
// outcome to every interested component. No locks are held during
// network I/O.
package worker

import (
	"context"
	"sync"
	"time"

	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
	"tgcollect/pkg/scheduler"
	"tgcollect/pkg/telegram"
)

// TaskSource hands out assignments and takes back results.
// *scheduler.Scheduler satisfies it.
type TaskSource interface {
	Next() *scheduler.Assignment
	ReportSuccess(task models.FetchTask, page telegram.Page) error
	ReportFailure(task models.FetchTask, err error)
	ReportAbandoned(task models.FetchTask)
}

// MemberFetcher performs one page fetch. *telegram.Client satisfies it.
type MemberFetcher interface {
	FetchPage(ctx context.Context, credential, proxyAddr, target, cursor string, limit int) (telegram.Page, error)
}

// IdentityReporter charges and reports identity usage.
// *registry.Registry satisfies it.
type IdentityReporter interface {
	RecordAction(id string) error
	ReportOutcome(id string, success bool)
}

// ProxyReporter feeds fetch outcomes back to the proxy pool.
type ProxyReporter interface {
	ReportOutcome(id string, success bool)
}

// Pacer controls per-identity request pacing. *governor.Governor
// satisfies it.
type Pacer interface {
	Delay(identityID string) time.Duration
	Record(identityID string, success bool)
}

// OutcomeObserver watches task outcomes. *health.Monitor satisfies it.
type OutcomeObserver interface {
	Observe(identityID string, success bool)
}

// Pool is a fixed-size set of fetch workers.
type Pool struct {
	size         int
	idleBackoff  time.Duration
	fetchTimeout time.Duration

	tasks      TaskSource
	fetcher    MemberFetcher
	identities IdentityReporter
	proxies    ProxyReporter
	pacer      Pacer
	observer   OutcomeObserver
	log        logger.Logger

	wg sync.WaitGroup
}

// Config holds the pool's runtime knobs.
type Config struct {
	Size         int
	IdleBackoff  time.Duration
	FetchTimeout time.Duration
}

// NewPool creates a fetch worker pool. Observer may be nil.
func NewPool(cfg Config, tasks TaskSource, fetcher MemberFetcher, identities IdentityReporter, proxies ProxyReporter, pacer Pacer, observer OutcomeObserver, log logger.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Pool{
		size:         cfg.Size,
		idleBackoff:  cfg.IdleBackoff,
		fetchTimeout: cfg.FetchTimeout,
		tasks:        tasks,
		fetcher:      fetcher,
		identities:   identities,
		proxies:      proxies,
		pacer:        pacer,
		observer:     observer,
		log:          log,
	}
}

// Run starts the workers and blocks until ctx is cancelled and all
// workers have drained their in-flight task.
func (p *Pool) Run(ctx context.Context) error {
	p.log.InfoWithFields("Starting fetch workers", map[string]interface{}{
		"num_workers": p.size,
	})
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
	p.log.Info("Fetch workers stopped")
	return ctx.Err()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	wlog := p.log.WithField("worker_id", id)
	wlog.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			wlog.Debug("Worker stopping")
			return
		default:
		}

		assignment := p.tasks.Next()
		if assignment == nil {
			// Nothing assignable: all identities cooling, capped, or no
			// job has a ready page. Idle and recheck.
			if !sleepCtx(ctx, p.idleBackoff) {
				return
			}
			continue
		}

		p.process(ctx, assignment, wlog)
	}
}

// process executes one assignment end to end.
func (p *Pool) process(ctx context.Context, a *scheduler.Assignment, wlog logger.Logger) {
	task := a.Task

	// Pace before touching the network. The delay reflects the
	// identity's recent failure history.
	if delay := p.pacer.Delay(task.IdentityID); delay > 0 {
		logger.LogThrottle(task.IdentityID, delay.Milliseconds())
		if !sleepCtx(ctx, delay) {
			p.tasks.ReportAbandoned(task)
			return
		}
	}

	// Charge the daily budget before the action happens. If the ledger
	// refuses, another worker raced us past the cap; hand the page back
	// unattempted so a different identity picks it up.
	if err := p.identities.RecordAction(task.IdentityID); err != nil {
		wlog.WithError(err).Warn("Budget charge refused, requeueing task")
		p.tasks.ReportAbandoned(task)
		return
	}

	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	page, err := p.fetcher.FetchPage(fetchCtx, a.Credential, a.ProxyAddr, a.Target, task.PageCursor, a.PageSize)
	cancel()

	// A fetch cut short by pool shutdown says nothing about the identity
	// or proxy; hand the page back without booking an outcome. A fetch
	// timeout (parent context still alive) is a real retryable failure.
	if err != nil && ctx.Err() != nil {
		p.tasks.ReportAbandoned(task)
		return
	}

	success := err == nil
	p.pacer.Record(task.IdentityID, success)
	p.identities.ReportOutcome(task.IdentityID, success)
	p.proxies.ReportOutcome(task.ProxyID, success)
	if p.observer != nil {
		p.observer.Observe(task.IdentityID, success)
	}

	logger.LogFetch(task.JobID, task.IdentityID, task.ProxyID, task.PageIndex, success, err)
	if err != nil {
		p.tasks.ReportFailure(task, err)
		return
	}

	wlog.DebugWithFields("Page fetched", map[string]interface{}{
		"job_id":   task.JobID,
		"page":     task.PageIndex,
		"records":  len(page.Records),
		"duration": time.Since(start),
	})
	if page.Skipped > 0 {
		wlog.WarnWithFields("Malformed entries skipped", map[string]interface{}{
			"job_id":  task.JobID,
			"page":    task.PageIndex,
			"skipped": page.Skipped,
		})
	}
	if err := p.tasks.ReportSuccess(task, page); err != nil {
		wlog.WithError(err).Error("Failed to record fetched page")
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
