// Package proxy manages the pool of SOCKS5 egress endpoints: selection
// by health, failure-streak demotion, and explicit refresh of dead
// endpoints. Dead endpoints never re-enter rotation on their own.
package proxy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	enginerr "tgcollect/pkg/errors"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
)

const (
	// Consecutive failures before a healthy endpoint is demoted.
	degradeAfter = 3
	// Further consecutive failures before a degraded endpoint dies.
	deadAfter = degradeAfter + 2
)

// Persister receives health transitions for audit. The store satisfies it.
type Persister interface {
	SetProxyHealth(id string, health models.ProxyHealth, failureStreak int, checkedAt time.Time) error
}

type endpoint struct {
	models.ProxyEndpoint
	lastSuccess  time.Time
	lastAcquired time.Time
}

// Pool hands out egress endpoints and tracks their liveness.
type Pool struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	persister Persister
	log       logger.Logger
	now       func() time.Time
}

// NewPool creates a pool over the given endpoints. persister may be nil.
func NewPool(eps []models.ProxyEndpoint, persister Persister, log logger.Logger) *Pool {
	if log == nil {
		log = logger.GetLogger()
	}
	p := &Pool{
		endpoints: make(map[string]*endpoint, len(eps)),
		persister: persister,
		log:       log,
		now:       time.Now,
	}
	for _, e := range eps {
		if e.Health == "" {
			e.Health = models.ProxyHealthy
		}
		if e.Protocol == "" {
			e.Protocol = "socks5"
		}
		p.endpoints[e.ID] = &endpoint{ProxyEndpoint: e}
	}
	return p
}

// Acquire selects the healthiest endpoint, excluding dead ones and any
// ids in exclude. Healthier means a shorter failure streak and a more
// recent success; ties go to the least-recently-acquired endpoint so
// load spreads across the pool.
func (p *Pool) Acquire(exclude ...string) (models.ProxyEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var candidates []*endpoint
	for _, e := range p.endpoints {
		if e.Health == models.ProxyDead || skip[e.ID] {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return models.ProxyEndpoint{}, enginerr.New(enginerr.ErrorTypeNoHealthyProxy, "no healthy proxy available")
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.FailureStreak != b.FailureStreak {
			return a.FailureStreak < b.FailureStreak
		}
		if !a.lastSuccess.Equal(b.lastSuccess) {
			return a.lastSuccess.After(b.lastSuccess)
		}
		if !a.lastAcquired.Equal(b.lastAcquired) {
			return a.lastAcquired.Before(b.lastAcquired)
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	chosen.lastAcquired = p.now()
	return chosen.ProxyEndpoint, nil
}

// Rotate acquires a replacement for the given endpoint.
func (p *Pool) Rotate(currentID string) (models.ProxyEndpoint, error) {
	return p.Acquire(currentID)
}

// ReportOutcome records the result of using an endpoint. Success resets
// the failure streak and re-promotes a degraded endpoint; consecutive
// failures demote healthy to degraded and degraded to dead.
func (p *Pool) ReportOutcome(id string, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.endpoints[id]
	if !ok {
		return
	}

	now := p.now()
	e.LastCheckedAt = now

	if success {
		e.FailureStreak = 0
		e.lastSuccess = now
		if e.Health == models.ProxyDegraded {
			p.transition(e, models.ProxyHealthy)
		} else {
			p.persist(e)
		}
		return
	}

	e.FailureStreak++
	switch {
	case e.Health == models.ProxyHealthy && e.FailureStreak >= degradeAfter:
		p.transition(e, models.ProxyDegraded)
	case e.Health == models.ProxyDegraded && e.FailureStreak >= deadAfter:
		p.transition(e, models.ProxyDead)
		logger.LogQuarantine("proxy", e.ID, string(models.ProxyDead))
	default:
		p.persist(e)
	}
}

// Refresh is the only path back from dead: it resets the endpoint to
// healthy with a clean streak. Intended to be driven by an operator or
// an external liveness check, never by the pool itself.
func (p *Pool) Refresh(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.endpoints[id]
	if !ok {
		return fmt.Errorf("unknown proxy %s", id)
	}
	e.FailureStreak = 0
	p.transition(e, models.ProxyHealthy)
	return nil
}

// RefreshAll refreshes every endpoint in the pool.
func (p *Pool) RefreshAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.endpoints))
	for id := range p.endpoints {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Refresh(id)
	}
}

// Snapshot returns the current state of all endpoints, dead included.
func (p *Pool) Snapshot() []models.ProxyEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.ProxyEndpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, e.ProxyEndpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) transition(e *endpoint, health models.ProxyHealth) {
	if e.Health != health {
		p.log.InfoWithFields("Proxy health transition", map[string]interface{}{
			"proxy_id": e.ID,
			"from":     string(e.Health),
			"to":       string(health),
			"streak":   e.FailureStreak,
		})
	}
	e.Health = health
	p.persist(e)
}

func (p *Pool) persist(e *endpoint) {
	if p.persister == nil {
		return
	}
	if err := p.persister.SetProxyHealth(e.ID, e.Health, e.FailureStreak, e.LastCheckedAt); err != nil {
		p.log.WithError(err).WithField("proxy_id", e.ID).Warn("Failed to persist proxy health")
	}
}
