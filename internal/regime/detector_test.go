package regime

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/signals"
)

// scriptedClassifier replays a fixed sequence of regimes
type scriptedClassifier struct {
	sequence []Regime
	idx      int
	err      error
}

func (s *scriptedClassifier) ClassifyRegime(ctx context.Context, sig Signals) (*Classification, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := s.sequence[s.idx%len(s.sequence)]
	s.idx++
	return &Classification{Regime: r, Confidence: 0.8, Reasoning: "scripted"}, nil
}

func testGovConfig() config.GovernanceConfig {
	return config.GovernanceConfig{
		ConfirmationCycles:       3,
		HysteresisEnterThreshold: 0.7,
		HysteresisExitThreshold:  0.4,
		EventLockHoursBefore:     24,
		EventLockHoursAfter:      12,
	}
}

func TestDetectorConfirmsAfterFullBuffer(t *testing.T) {
	c := &scriptedClassifier{sequence: []Regime{TrendingBull}}
	d := NewDetector(c, testGovConfig())
	ctx := context.Background()

	// 1/3 and 2/3 are below the 0.7 enter threshold
	changed, _, err := d.Update(ctx, Signals{})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, _, err = d.Update(ctx, Signals{})
	require.NoError(t, err)
	assert.False(t, changed)

	// 3/3 = 1.0 confirms
	changed, reason, err := d.Update(ctx, Signals{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Contains(t, reason, "trending-bull")

	current, last := d.Current()
	assert.Equal(t, TrendingBull, current)
	require.NotNil(t, last)
}

func TestDetectorHysteresisBlocksFlipFlop(t *testing.T) {
	c := &scriptedClassifier{sequence: []Regime{
		TrendingBull, TrendingBull, TrendingBull, // confirm bull
		RangeBound, // single dissent must not flip
	}}
	d := NewDetector(c, testGovConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := d.Update(ctx, Signals{})
		require.NoError(t, err)
	}
	current, _ := d.Current()
	require.Equal(t, TrendingBull, current)

	changed, _, err := d.Update(ctx, Signals{})
	require.NoError(t, err)
	assert.False(t, changed)
	current, _ = d.Current()
	assert.Equal(t, TrendingBull, current)
}

func TestDetectorClassifierFailureLeavesState(t *testing.T) {
	c := &scriptedClassifier{sequence: []Regime{TrendingBull}}
	d := NewDetector(c, testGovConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := d.Update(ctx, Signals{})
		require.NoError(t, err)
	}

	c.err = errors.New("oracle down")
	changed, reason, err := d.Update(ctx, Signals{})
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, "classification failed", reason)

	current, _ := d.Current()
	assert.Equal(t, TrendingBull, current)
}

func TestDetectorEventLockForcesEventRisk(t *testing.T) {
	c := &scriptedClassifier{sequence: []Regime{TrendingBull}}
	d := NewDetector(c, testGovConfig())
	ctx := context.Background()

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.SetCalendar([]signals.MacroEvent{
		{Name: "FOMC Rate Decision", Timestamp: now.Add(6 * time.Hour), Impact: "high"},
	})

	changed, reason, err := d.Update(ctx, Signals{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Contains(t, reason, "event lock")

	current, last := d.Current()
	assert.Equal(t, EventRisk, current)
	require.NotNil(t, last)
	assert.Equal(t, 1.0, last.Confidence)
	// the oracle was never consulted
	assert.Zero(t, c.idx)

	// a second locked update holds without signalling change
	changed, _, err = d.Update(ctx, Signals{})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDetectorEventLockWindowBounds(t *testing.T) {
	d := NewDetector(&scriptedClassifier{sequence: []Regime{RangeBound}}, testGovConfig())
	event := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	d.SetCalendar([]signals.MacroEvent{{Name: "US CPI", Timestamp: event}})

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"just inside before-window", event.Add(-24 * time.Hour), true},
		{"outside before-window", event.Add(-25 * time.Hour), false},
		{"at event", event, true},
		{"just inside after-window", event.Add(12 * time.Hour), true},
		{"outside after-window", event.Add(13 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locked, _ := d.InEventLock(tt.at)
			assert.Equal(t, tt.want, locked)
		})
	}
}

// randomClassifier draws uniformly from a regime set
type randomClassifier struct {
	rng     *rand.Rand
	regimes []Regime
}

func (r *randomClassifier) ClassifyRegime(ctx context.Context, sig Signals) (*Classification, error) {
	return &Classification{
		Regime:     r.regimes[r.rng.Intn(len(r.regimes))],
		Confidence: 0.8,
	}, nil
}

// Property: over random classification sequences, the confirmed
// regime only ever changes when the buffer holds one regime at a
// fraction at or above the enter threshold.
func TestDetectorChangeRequiresMajorityProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := &randomClassifier{rng: rng, regimes: []Regime{TrendingBull, RangeBound, CarryFriendly}}
	cfg := testGovConfig()
	d := NewDetector(c, cfg)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		before, _ := d.Current()
		changed, _, err := d.Update(ctx, Signals{})
		require.NoError(t, err)
		after, last := d.Current()

		if changed {
			assert.NotEqual(t, before, after)
			// the new regime must dominate the buffer
			frac := d.fractionLocked(after)
			assert.GreaterOrEqual(t, frac, cfg.HysteresisEnterThreshold,
				"change at step %d without buffer majority", i)
			assert.Equal(t, after, last.Regime)
		} else {
			assert.Equal(t, before, after)
		}
	}
}
