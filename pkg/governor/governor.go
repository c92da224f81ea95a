// Package governor paces per-identity actions to mimic human usage.
// Delays grow exponentially with consecutive failures, stretch further
// as an identity's trailing success rate drops, and carry bounded
// random jitter. A failure always enforces a cool-down floor before the
// same identity acts again.
package governor

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"tgcollect/pkg/config"
)

const minWindowRate = 0.1

type pacing struct {
	window      []bool // ring buffer of recent outcomes
	next        int
	filled      int
	consecutive int  // consecutive failures
	lastFailed  bool // last recorded outcome was a failure
}

// Governor computes the minimum delay before an identity's next action.
// Deterministic for a fixed seed, which the tests rely on.
type Governor struct {
	mu     sync.Mutex
	cfg    config.GovernorConfig
	rng    *rand.Rand
	states map[string]*pacing
}

// New creates a governor. The seed fixes the jitter sequence.
func New(cfg config.GovernorConfig, seed int64) *Governor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	return &Governor{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[string]*pacing),
	}
}

func (g *Governor) state(identityID string) *pacing {
	st, ok := g.states[identityID]
	if !ok {
		st = &pacing{window: make([]bool, g.cfg.WindowSize)}
		g.states[identityID] = st
	}
	return st
}

// Record feeds an action outcome for the identity into its trailing window.
func (g *Governor) Record(identityID string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(identityID)
	st.window[st.next] = success
	st.next = (st.next + 1) % len(st.window)
	if st.filled < len(st.window) {
		st.filled++
	}
	if success {
		st.consecutive = 0
		st.lastFailed = false
	} else {
		st.consecutive++
		st.lastFailed = true
	}
}

// successRate returns the trailing-window success rate, 1.0 when no
// outcomes are recorded yet. Caller holds the lock.
func (st *pacing) successRate() float64 {
	if st.filled == 0 {
		return 1.0
	}
	successes := 0
	for i := 0; i < st.filled; i++ {
		if st.window[i] {
			successes++
		}
	}
	return float64(successes) / float64(st.filled)
}

// Delay returns the minimum wait before identityID may act again.
// Never returns zero immediately after a failure for the same identity:
// the cool-down floor applies.
func (g *Governor) Delay(identityID string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(identityID)

	// Exponential backoff on consecutive failures, capped.
	base := float64(g.cfg.BaseDelay) * math.Pow(2, float64(st.consecutive))
	if base > float64(g.cfg.MaxDelay) {
		base = float64(g.cfg.MaxDelay)
	}

	// A sinking trailing success rate stretches the base delay.
	rate := st.successRate()
	if rate < minWindowRate {
		rate = minWindowRate
	}
	delay := base / rate
	if delay > float64(g.cfg.MaxDelay) {
		delay = float64(g.cfg.MaxDelay)
	}

	// Bounded jitter, randomized to avoid a detectable cadence.
	if g.cfg.JitterFactor > 0 {
		jitter := delay * g.cfg.JitterFactor
		delay += (g.rng.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}

	d := time.Duration(delay)
	if st.lastFailed && d < g.cfg.CooldownFloor {
		d = g.cfg.CooldownFloor
	}
	return d
}

// Reset clears an identity's pacing state (used when an identity comes
// back from cooling).
func (g *Governor) Reset(identityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, identityID)
}
