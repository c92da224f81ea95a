// Package engine wires the collection components together behind the
// external interface: submit jobs, watch their progress, pause, resume,
// and export collected records.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tgcollect/internal/worker"
	"tgcollect/pkg/config"
	"tgcollect/pkg/governor"
	"tgcollect/pkg/health"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
	"tgcollect/pkg/proxy"
	"tgcollect/pkg/registry"
	"tgcollect/pkg/scheduler"
	"tgcollect/pkg/store"
	"tgcollect/pkg/telegram"
)

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Engine is the collection engine facade.
type Engine struct {
	cfg *config.Config
	log logger.Logger

	store     *store.Store
	registry  *registry.Registry
	proxies   *proxy.Pool
	governor  *governor.Governor
	client    *telegram.Client
	monitor   *health.Monitor
	scheduler *scheduler.Scheduler
	workers   *worker.Pool
}

// New assembles an engine from static configuration. Accounts and
// proxies from the config are merged into the durable store; statuses
// already persisted there (banned identities, dead proxies) win over
// the config's defaults.
func New(cfg *config.Config, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	e := &Engine{cfg: cfg, log: log, store: st}
	if err := e.assemble(); err != nil {
		st.Close()
		return nil, err
	}
	return e, nil
}

// NewWithStore assembles an engine over an already open store. Tests
// use this with a :memory: store.
func NewWithStore(cfg *config.Config, st *store.Store, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	e := &Engine{cfg: cfg, log: log, store: st}
	if err := e.assemble(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) assemble() error {
	cfg := e.cfg

	// Seed the durable tables from config, preserving persisted status.
	// Credentials never reach the store; only the id and status do.
	for _, a := range cfg.Accounts {
		if err := e.store.UpsertIdentity(models.Identity{
			ID:     a.ID,
			Status: models.IdentityActive,
		}); err != nil {
			return fmt.Errorf("registering identity %s: %w", a.ID, err)
		}
	}
	for _, p := range cfg.Proxies {
		if err := e.store.UpsertProxy(models.ProxyEndpoint{
			ID:       p.ID,
			Address:  p.Address,
			Protocol: "socks5",
			Health:   models.ProxyHealthy,
		}); err != nil {
			return fmt.Errorf("registering proxy %s: %w", p.ID, err)
		}
	}

	identities, err := e.store.ListIdentities()
	if err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}
	// The store never holds credentials; fill them from config. Stored
	// identities the config no longer lists have no usable session, so
	// they are left out of the registry rather than dispatched to 401.
	creds := make(map[string]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		creds[a.ID] = a.Credential
	}
	usable := identities[:0]
	for _, ident := range identities {
		cred, ok := creds[ident.ID]
		if !ok || cred == "" {
			e.log.WithField("identity", ident.ID).Warn("Identity has no session credential, leaving it out of rotation")
			continue
		}
		ident.Credential = cred
		usable = append(usable, ident)
	}
	identities = usable

	endpoints, err := e.store.ListProxies()
	if err != nil {
		return fmt.Errorf("loading proxies: %w", err)
	}

	e.registry, err = registry.New(identities, e.store, e.store, registry.Options{
		DailyCap:       cfg.Budget.DailyActionCap,
		CooldownPeriod: cfg.Health.CooldownPeriod,
	}, e.log)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}

	e.proxies = proxy.NewPool(endpoints, e.store, e.log)
	e.governor = governor.New(cfg.Governor, time.Now().UnixNano())
	e.client = telegram.NewClient(cfg.Scheduler.FetchTimeout, e.log)

	e.monitor = health.NewMonitor(health.Options{
		FailureRateThreshold: cfg.Health.FailureRateThreshold,
		MinObservations:      cfg.Health.MinObservations,
		WindowSize:           cfg.Governor.WindowSize,
		SweepEvery:           cfg.Health.SweepEvery,
		SweepInterval:        cfg.Health.SweepInterval,
		CooldownPeriod:       cfg.Health.CooldownPeriod,
		AutoExportThreshold:  cfg.Health.AutoExportThreshold,
		ExportDir:            cfg.Storage.ExportDir,
		ExportFormat:         cfg.Storage.ExportFormat,
	}, e.registry, e.store, e.log)

	e.scheduler = scheduler.New(e.store, e.registry, e.proxies,
		cfg.Scheduler.PageSize, cfg.Scheduler.MaxAttempts,
		scheduler.Hooks{
			OnJobComplete:   e.monitor.JobCompleted,
			OnPageCommitted: e.monitor.RecordCommitted,
		}, e.log)
	if err := e.scheduler.Recover(); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	e.workers = worker.NewPool(worker.Config{
		Size:         cfg.Workers.Concurrency,
		IdleBackoff:  cfg.Workers.IdleBackoff,
		FetchTimeout: cfg.Scheduler.FetchTimeout,
	}, e.scheduler, e.client, e.registry, e.proxies, e.governor, e.monitor, e.log)

	return nil
}

// Run starts the fetch workers and the health monitor and blocks until
// the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.workers.Run(gctx) })
	g.Go(func() error { return e.monitor.Run(gctx) })

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close flushes and releases the engine's resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// StartJob submits a collection job against the target.
func (e *Engine) StartJob(target string, desiredCount int) (string, error) {
	return e.scheduler.Submit(target, desiredCount)
}

// JobStatus reports a job's state, progress, and last error.
func (e *Engine) JobStatus(jobID string) (scheduler.Status, error) {
	return e.scheduler.JobStatus(jobID)
}

// Jobs lists known job ids.
func (e *Engine) Jobs() []string {
	return e.scheduler.Jobs()
}

// PauseJob stops dispatching new tasks for the job.
func (e *Engine) PauseJob(jobID string) error {
	return e.scheduler.Pause(jobID)
}

// ResumeJob restarts a paused or failed job from its durable cursor.
func (e *Engine) ResumeJob(jobID string) error {
	return e.scheduler.Resume(jobID)
}

// ExportRecords returns collected records in the given format. An empty
// jobID exports all records.
func (e *Engine) ExportRecords(jobID string, format Format) ([]byte, error) {
	switch format {
	case FormatCSV:
		return e.store.ExportCSV(jobID)
	case FormatJSON, "":
		return e.store.ExportJSON(jobID)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// RefreshProxies re-validates every endpoint, returning dead ones to
// rotation.
func (e *Engine) RefreshProxies() {
	e.proxies.RefreshAll()
}

// IdentityViews reports the live registry state for operator commands.
func (e *Engine) IdentityViews() []registry.View {
	return e.registry.Snapshot()
}

// ProxyViews reports the live proxy pool state.
func (e *Engine) ProxyViews() []models.ProxyEndpoint {
	return e.proxies.Snapshot()
}
