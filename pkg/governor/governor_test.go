package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tgcollect/pkg/config"
)

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		JitterFactor:  0.3,
		CooldownFloor: 5 * time.Second,
		WindowSize:    10,
	}
}

func TestDelayDeterministicForFixedSeed(t *testing.T) {
	a := New(testConfig(), 42)
	b := New(testConfig(), 42)

	for i := 0; i < 20; i++ {
		assert.Equal(t, a.Delay("acct-1"), b.Delay("acct-1"), "delay %d diverged", i)
	}
}

func TestDelayGrowsWithConsecutiveFailures(t *testing.T) {
	cfg := testConfig()
	cfg.JitterFactor = 0 // isolate the backoff curve
	g := New(cfg, 1)

	d0 := g.Delay("acct-1")
	g.Record("acct-1", false)
	d1 := g.Delay("acct-1")
	g.Record("acct-1", false)
	d2 := g.Delay("acct-1")

	assert.Less(t, d0, d1)
	assert.Less(t, d1, d2)
}

func TestDelayCappedAtMax(t *testing.T) {
	cfg := testConfig()
	cfg.JitterFactor = 0
	g := New(cfg, 1)

	for i := 0; i < 30; i++ {
		g.Record("acct-1", false)
	}
	assert.LessOrEqual(t, g.Delay("acct-1"), cfg.MaxDelay)
}

func TestCooldownFloorAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = time.Millisecond // tiny base so the floor must kick in
	g := New(cfg, 1)

	g.Record("acct-1", false)
	assert.GreaterOrEqual(t, g.Delay("acct-1"), cfg.CooldownFloor)

	// A success lifts the floor again.
	g.Record("acct-1", true)
	assert.Less(t, g.Delay("acct-1"), cfg.CooldownFloor)
}

func TestFailureHistoryStretchesDelay(t *testing.T) {
	cfg := testConfig()
	cfg.JitterFactor = 0
	g := New(cfg, 1)

	clean := g.Delay("fresh")

	// Half the trailing window failed, ending on a success so neither the
	// consecutive multiplier nor the floor applies.
	for i := 0; i < 5; i++ {
		g.Record("scarred", false)
		g.Record("scarred", true)
	}
	scarred := g.Delay("scarred")

	assert.Greater(t, scarred, clean)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	cfg := testConfig()
	g := New(cfg, 7)

	min := float64(cfg.BaseDelay) * (1 - cfg.JitterFactor)
	max := float64(cfg.BaseDelay) * (1 + cfg.JitterFactor)
	for i := 0; i < 100; i++ {
		d := float64(g.Delay("acct-1"))
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, max)
	}
}

func TestIdentitiesPacedIndependently(t *testing.T) {
	cfg := testConfig()
	cfg.JitterFactor = 0
	g := New(cfg, 1)

	g.Record("acct-1", false)
	g.Record("acct-1", false)

	assert.Greater(t, g.Delay("acct-1"), g.Delay("acct-2"))
}

func TestResetClearsState(t *testing.T) {
	cfg := testConfig()
	cfg.JitterFactor = 0
	g := New(cfg, 1)

	g.Record("acct-1", false)
	g.Record("acct-1", false)
	g.Reset("acct-1")

	assert.Equal(t, time.Duration(cfg.BaseDelay), g.Delay("acct-1"))
}
