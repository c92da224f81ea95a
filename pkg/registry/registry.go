// Package registry owns the authenticated identities: eligibility
// checks against the daily budget, reservation so no two workers share
// an identity, and status transitions driven by failure streaks.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	enginerr "tgcollect/pkg/errors"
	"tgcollect/pkg/logger"
	"tgcollect/pkg/models"
	"tgcollect/pkg/store"
)

// Ledger persists per-identity daily action counts. The store satisfies it.
type Ledger interface {
	LedgerCount(identityID, date string) (int, error)
	LedgerIncrement(identityID, date string, cap int) error
}

// StatusPersister records identity status transitions. The store
// satisfies it; may be nil in tests.
type StatusPersister interface {
	SetIdentityStatus(id string, status models.IdentityStatus, coolingUntil time.Time) error
	TouchIdentityAction(id string, at time.Time) error
}

// Options configures registry behavior.
type Options struct {
	// DailyCap is the maximum actions per identity per calendar day.
	DailyCap int
	// CoolAfter is the consecutive-failure count that sends an active
	// identity into cooling.
	CoolAfter int
	// CooldownPeriod is how long a cooling identity stays ineligible.
	CooldownPeriod time.Duration
}

type identityState struct {
	models.Identity
	reserved            bool
	consecutiveFailures int
	dayCount            int
	day                 string
}

// Registry tracks identities and enforces their budgets.
type Registry struct {
	mu         sync.Mutex
	identities map[string]*identityState
	ledger     Ledger
	persister  StatusPersister
	opts       Options
	log        logger.Logger
	now        func() time.Time
}

// New builds a registry over the given identities, priming each day
// counter from the persisted ledger so restarts cannot reset budgets.
func New(identities []models.Identity, ledger Ledger, persister StatusPersister, opts Options, log logger.Logger) (*Registry, error) {
	if opts.DailyCap <= 0 {
		return nil, errors.New("registry: daily cap must be positive")
	}
	if opts.CoolAfter <= 0 {
		opts.CoolAfter = 3
	}
	if opts.CooldownPeriod <= 0 {
		opts.CooldownPeriod = 15 * time.Minute
	}
	if log == nil {
		log = logger.GetLogger()
	}

	r := &Registry{
		identities: make(map[string]*identityState, len(identities)),
		ledger:     ledger,
		persister:  persister,
		opts:       opts,
		log:        log,
		now:        time.Now,
	}

	today := r.today()
	for _, ident := range identities {
		if ident.Status == "" {
			ident.Status = models.IdentityActive
		}
		count, err := ledger.LedgerCount(ident.ID, today)
		if err != nil {
			return nil, fmt.Errorf("priming ledger for %s: %w", ident.ID, err)
		}
		ident.DailyActionCount = count
		r.identities[ident.ID] = &identityState{Identity: ident, dayCount: count, day: today}
	}
	return r, nil
}

func (r *Registry) today() string {
	return r.now().UTC().Format("2006-01-02")
}

// rollDay resets the in-memory day counter when the calendar day changes.
// Caller holds the lock.
func (r *Registry) rollDay(st *identityState, today string) {
	if st.day != today {
		st.day = today
		st.dayCount = 0
		st.DailyActionCount = 0
	}
}

// Select reserves and returns an eligible identity: active (or cooling
// expired), under the daily cap, not in exclude, and not reserved by
// another worker. Reservation is part of selection so two workers can
// never hold the same identity.
func (r *Registry) Select(exclude map[string]bool) (models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	today := r.today()
	now := r.now()

	ids := make([]string, 0, len(r.identities))
	for id := range r.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := r.identities[id]
		if exclude[id] || st.reserved {
			continue
		}
		if st.Status == models.IdentityCooling && !st.CoolingUntil.IsZero() && now.After(st.CoolingUntil) {
			r.setStatusLocked(st, models.IdentityActive, time.Time{})
			st.consecutiveFailures = 0
		}
		if st.Status != models.IdentityActive {
			continue
		}
		r.rollDay(st, today)
		if st.dayCount >= r.opts.DailyCap {
			continue
		}
		st.reserved = true
		return st.Identity, nil
	}

	return models.Identity{}, enginerr.New(enginerr.ErrorTypeNoEligibleIdentity, "no eligible identity available")
}

// Release returns a reserved identity to the eligible set.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.identities[id]; ok {
		st.reserved = false
	}
}

// RecordAction charges one action against the identity's daily budget.
// The ledger write happens first: if persistence fails the in-memory
// counter does not advance, so the system never counts actions it
// cannot prove happened.
func (r *Registry) RecordAction(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.identities[id]
	if !ok {
		return fmt.Errorf("unknown identity %s", id)
	}

	today := r.today()
	r.rollDay(st, today)

	if err := r.ledger.LedgerIncrement(id, today, r.opts.DailyCap); err != nil {
		if errors.Is(err, store.ErrDailyCapReached) {
			return fmt.Errorf("identity %s: %w", id, err)
		}
		return fmt.Errorf("persisting action for %s: %w", id, err)
	}

	st.dayCount++
	st.DailyActionCount = st.dayCount
	st.LastActionAt = r.now()
	if r.persister != nil {
		if err := r.persister.TouchIdentityAction(id, st.LastActionAt); err != nil {
			r.log.WithError(err).WithField("identity_id", id).Warn("Failed to persist last action time")
		}
	}
	return nil
}

// ReportOutcome feeds an action outcome back into the registry. Three
// consecutive failures (configurable) send an active identity into
// cooling for the configured period.
func (r *Registry) ReportOutcome(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.identities[id]
	if !ok {
		return
	}

	if success {
		st.consecutiveFailures = 0
		return
	}

	st.consecutiveFailures++
	if st.Status == models.IdentityActive && st.consecutiveFailures >= r.opts.CoolAfter {
		until := r.now().Add(r.opts.CooldownPeriod)
		r.setStatusLocked(st, models.IdentityCooling, until)
		logger.LogQuarantine("identity", id, string(models.IdentityCooling))
	}
}

// SetStatus transitions an identity's status explicitly (health monitor
// and operator surface).
func (r *Registry) SetStatus(id string, status models.IdentityStatus, coolingUntil time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.identities[id]
	if !ok {
		return fmt.Errorf("unknown identity %s", id)
	}
	r.setStatusLocked(st, status, coolingUntil)
	if status == models.IdentityActive {
		st.consecutiveFailures = 0
	}
	return nil
}

func (r *Registry) setStatusLocked(st *identityState, status models.IdentityStatus, coolingUntil time.Time) {
	if st.Status != status {
		r.log.InfoWithFields("Identity status transition", map[string]interface{}{
			"identity_id": st.ID,
			"from":        string(st.Status),
			"to":          string(status),
		})
	}
	st.Status = status
	st.CoolingUntil = coolingUntil
	if r.persister != nil {
		if err := r.persister.SetIdentityStatus(st.ID, status, coolingUntil); err != nil {
			r.log.WithError(err).WithField("identity_id", st.ID).Warn("Failed to persist identity status")
		}
	}
}

// View is a read-only snapshot of one identity's state.
type View struct {
	models.Identity
	ConsecutiveFailures int
	Reserved            bool
}

// Snapshot returns the current state of all identities, for the health
// monitor and status surfaces.
func (r *Registry) Snapshot() []View {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]View, 0, len(r.identities))
	for _, st := range r.identities {
		out = append(out, View{
			Identity:            st.Identity,
			ConsecutiveFailures: st.consecutiveFailures,
			Reserved:            st.reserved,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
