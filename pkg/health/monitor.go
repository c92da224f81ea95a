// Package health watches identity outcomes and quarantines identities
// whose trailing failure rate crosses the configured threshold. It also
// drives automatic snapshot exports of collected records.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
)

// StatusSetter transitions identity lifecycle states.
// *registry.Registry satisfies it.
type StatusSetter interface {
	SetStatus(id string, status models.IdentityStatus, coolingUntil time.Time) error
}

// Exporter produces record snapshots. *store.Store satisfies it.
type Exporter interface {
	ExportJSON(jobID string) ([]byte, error)
	ExportCSV(jobID string) ([]byte, error)
}

// Options configures the monitor's thresholds. Every knob comes from
// configuration; nothing is hardcoded.
type Options struct {
	// FailureRateThreshold quarantines an identity when its trailing
	// failure rate exceeds this fraction.
	FailureRateThreshold float64
	// MinObservations is the minimum trailing sample before the rate is
	// trusted.
	MinObservations int
	// WindowSize bounds the trailing outcome window per identity.
	WindowSize int
	// SweepEvery triggers a sweep after this many observed outcomes.
	SweepEvery int
	// SweepInterval triggers a sweep on a timer regardless of traffic.
	SweepInterval time.Duration
	// CooldownPeriod is how long a quarantined identity cools before it
	// is eligible again.
	CooldownPeriod time.Duration
	// AutoExportThreshold snapshots all records every time the total
	// committed count crosses a multiple of this value. Zero disables.
	AutoExportThreshold int
	// ExportDir receives automatic snapshot files.
	ExportDir string
	// ExportFormat is "json" or "csv".
	ExportFormat string
}

type identityTrack struct {
	window  []bool // trailing outcomes, true = success
	strikes int    // times quarantined; a strike after cooldown bans
}

// Monitor is the health sweeper.
type Monitor struct {
	mu        sync.Mutex
	tracks    map[string]*identityTrack
	sinceLast int
	committed int
	exported  int // committed count at last auto-export

	opts     Options
	statuses StatusSetter
	exporter Exporter
	log      logger.Logger
	now      func() time.Time
}

// NewMonitor creates a health monitor.
func NewMonitor(opts Options, statuses StatusSetter, exporter Exporter, log logger.Logger) *Monitor {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 20
	}
	if opts.MinObservations <= 0 {
		opts.MinObservations = 5
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = 10
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Monitor{
		tracks:   make(map[string]*identityTrack),
		opts:     opts,
		statuses: statuses,
		exporter: exporter,
		log:      log,
		now:      time.Now,
	}
}

// Observe records one task outcome for an identity. Sweeps run inline
// every SweepEvery outcomes.
func (m *Monitor) Observe(identityID string, success bool) {
	m.mu.Lock()
	tr, ok := m.tracks[identityID]
	if !ok {
		tr = &identityTrack{}
		m.tracks[identityID] = tr
	}
	tr.window = append(tr.window, success)
	if len(tr.window) > m.opts.WindowSize {
		tr.window = tr.window[len(tr.window)-m.opts.WindowSize:]
	}
	m.sinceLast++
	sweep := m.sinceLast >= m.opts.SweepEvery
	if sweep {
		m.sinceLast = 0
	}
	m.mu.Unlock()

	if sweep {
		m.Sweep()
	}
}

// Sweep evaluates every tracked identity against the failure threshold.
// First breach sends the identity cooling; a breach on an identity that
// already served a cooldown bans it.
func (m *Monitor) Sweep() {
	m.mu.Lock()
	type action struct {
		id     string
		status models.IdentityStatus
		until  time.Time
		rate   float64
	}
	var actions []action
	for id, tr := range m.tracks {
		n := len(tr.window)
		if n < m.opts.MinObservations {
			continue
		}
		failures := 0
		for _, ok := range tr.window {
			if !ok {
				failures++
			}
		}
		rate := float64(failures) / float64(n)
		if rate <= m.opts.FailureRateThreshold {
			continue
		}
		tr.strikes++
		tr.window = nil // fresh window after a transition
		if tr.strikes >= 2 {
			actions = append(actions, action{id: id, status: models.IdentityBanned, rate: rate})
		} else {
			actions = append(actions, action{
				id:     id,
				status: models.IdentityCooling,
				until:  m.now().Add(m.opts.CooldownPeriod),
				rate:   rate,
			})
		}
	}
	m.mu.Unlock()

	for _, a := range actions {
		logger.LogQuarantine("identity", a.id, string(a.status))
		m.log.WarnWithFields("Identity failure rate over threshold", map[string]interface{}{
			"identity":     a.id,
			"failure_rate": a.rate,
		})
		if err := m.statuses.SetStatus(a.id, a.status, a.until); err != nil {
			m.log.WithError(err).WithField("identity", a.id).Warn("Failed to transition identity status")
		}
	}
}

// RecordCommitted tracks durable record growth; an export snapshot
// fires whenever the total crosses the configured threshold.
func (m *Monitor) RecordCommitted(jobID string, records int) {
	if m.opts.AutoExportThreshold <= 0 {
		return
	}
	m.mu.Lock()
	m.committed += records
	fire := m.committed-m.exported >= m.opts.AutoExportThreshold
	if fire {
		m.exported = m.committed
	}
	m.mu.Unlock()

	if fire {
		if err := m.export(""); err != nil {
			m.log.WithError(err).Warn("Auto-export failed")
		}
	}
}

// JobCompleted snapshots a finished job's records.
func (m *Monitor) JobCompleted(jobID string) {
	if err := m.export(jobID); err != nil {
		m.log.WithError(err).WithField("job_id", jobID).Warn("Completion export failed")
	}
}

// export writes a snapshot file; empty jobID exports everything.
func (m *Monitor) export(jobID string) error {
	if m.exporter == nil || m.opts.ExportDir == "" {
		return nil
	}

	format := m.opts.ExportFormat
	if format == "" {
		format = "json"
	}
	var (
		data []byte
		err  error
	)
	switch format {
	case "csv":
		data, err = m.exporter.ExportCSV(jobID)
	default:
		format = "json"
		data, err = m.exporter.ExportJSON(jobID)
	}
	if err != nil {
		return err
	}

	scope := jobID
	if scope == "" {
		scope = "all"
	}
	name := fmt.Sprintf("members_%s_%s.%s", scope, m.now().UTC().Format("20060102T150405Z"), format)
	if err := os.MkdirAll(m.opts.ExportDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(m.opts.ExportDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	m.log.InfoWithFields("Snapshot exported", map[string]interface{}{
		"path":  path,
		"scope": scope,
		"bytes": len(data),
	})
	return nil
}

// Run sweeps on a timer until the context ends. Traffic-driven sweeps
// keep running independently through Observe.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.SweepInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}
