package regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/signals"
)

// Detector holds the confirmed regime and applies hysteresis over a
// ring buffer of recent classifications. The medium loop is the only
// writer; status surfaces read through Current.
type Detector struct {
	classifier Classifier
	cfg        config.GovernanceConfig
	log        zerolog.Logger

	mu       sync.Mutex
	current  Regime
	last     *Classification
	buffer   []Classification // ring, newest last, capped at ConfirmationCycles
	calendar []signals.MacroEvent

	now func() time.Time
}

// NewDetector builds the detector in the unknown regime
func NewDetector(classifier Classifier, cfg config.GovernanceConfig) *Detector {
	return &Detector{
		classifier: classifier,
		cfg:        cfg,
		log:        config.NewLogger("regime"),
		current:    Unknown,
		now:        time.Now,
	}
}

// Current returns the confirmed regime and the latest classification
func (d *Detector) Current() (Regime, *Classification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.last
}

// SetCalendar replaces the macro calendar used for event locks. The
// slow loop refreshes it.
func (d *Detector) SetCalendar(events []signals.MacroEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calendar = append([]signals.MacroEvent(nil), events...)
}

// InEventLock reports whether now falls inside any event's lock
// window, and the event that locks it
func (d *Detector) InEventLock(now time.Time) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eventLockLocked(now)
}

func (d *Detector) eventLockLocked(now time.Time) (bool, string) {
	before := time.Duration(d.cfg.EventLockHoursBefore * float64(time.Hour))
	after := time.Duration(d.cfg.EventLockHoursAfter * float64(time.Hour))
	for _, ev := range d.calendar {
		if !now.Before(ev.Timestamp.Add(-before)) && !now.After(ev.Timestamp.Add(after)) {
			return true, ev.Name
		}
	}
	return false, ""
}

// Update runs one classification cycle. Inside an event lock the
// regime is forced to event-risk at full confidence and the oracle is
// skipped. A classifier failure leaves the confirmed regime and the
// buffer untouched.
func (d *Detector) Update(ctx context.Context, sig Signals) (changed bool, reason string, err error) {
	now := d.now()

	d.mu.Lock()
	locked, eventName := d.eventLockLocked(now)
	d.mu.Unlock()

	if locked {
		return d.forceEventRisk(sig, eventName, now)
	}

	classification, err := d.classifier.ClassifyRegime(ctx, sig)
	if err != nil {
		d.log.Warn().Err(err).Msg("Regime classification failed, keeping current regime")
		return false, "classification failed", err
	}
	if !classification.Regime.Valid() {
		return false, "classification failed", fmt.Errorf("classifier returned unknown regime %q", classification.Regime)
	}
	classification.Timestamp = now
	classification.Signals = sig

	d.mu.Lock()
	defer d.mu.Unlock()

	d.last = classification
	d.push(*classification)

	candidate, frac := d.majorityLocked()
	if candidate == d.current {
		return false, fmt.Sprintf("regime %s holds (%.0f%% of buffer)", d.current, frac*100), nil
	}

	currentFrac := d.fractionLocked(d.current)
	if frac < d.cfg.HysteresisEnterThreshold {
		return false, fmt.Sprintf("candidate %s below enter threshold (%.2f < %.2f)",
			candidate, frac, d.cfg.HysteresisEnterThreshold), nil
	}
	if d.current != Unknown && currentFrac > d.cfg.HysteresisExitThreshold {
		return false, fmt.Sprintf("current %s above exit threshold (%.2f > %.2f)",
			d.current, currentFrac, d.cfg.HysteresisExitThreshold), nil
	}

	previous := d.current
	d.current = candidate
	d.log.Info().
		Str("from", string(previous)).
		Str("to", string(candidate)).
		Float64("fraction", frac).
		Msg("Regime change confirmed")
	return true, fmt.Sprintf("confirmed %s -> %s (%.0f%% of buffer)", previous, candidate, frac*100), nil
}

// forceEventRisk bypasses the buffer entirely; the lock is absolute
func (d *Detector) forceEventRisk(sig Signals, eventName string, now time.Time) (bool, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	classification := &Classification{
		Regime:     EventRisk,
		Confidence: 1.0,
		Timestamp:  now,
		Signals:    sig,
		Reasoning:  fmt.Sprintf("event lock window around %q", eventName),
	}
	d.last = classification
	d.push(*classification)

	if d.current == EventRisk {
		return false, fmt.Sprintf("event lock holds (%s)", eventName), nil
	}
	previous := d.current
	d.current = EventRisk
	d.log.Warn().
		Str("from", string(previous)).
		Str("event", eventName).
		Msg("Regime forced to event-risk")
	return true, fmt.Sprintf("event lock: forced %s -> event-risk (%s)", previous, eventName), nil
}

// push appends to the ring, evicting the oldest entry at capacity.
// Must be called with mu held.
func (d *Detector) push(c Classification) {
	n := d.cfg.ConfirmationCycles
	if n < 1 {
		n = 1
	}
	d.buffer = append(d.buffer, c)
	if len(d.buffer) > n {
		d.buffer = d.buffer[len(d.buffer)-n:]
	}
}

// majorityLocked returns the most frequent regime in the buffer and
// its fraction of the full confirmation window
func (d *Detector) majorityLocked() (Regime, float64) {
	n := d.cfg.ConfirmationCycles
	if n < 1 {
		n = 1
	}
	counts := make(map[Regime]int, len(d.buffer))
	best := Unknown
	bestCount := 0
	for _, c := range d.buffer {
		counts[c.Regime]++
		if counts[c.Regime] > bestCount {
			best = c.Regime
			bestCount = counts[c.Regime]
		}
	}
	return best, float64(bestCount) / float64(n)
}

// fractionLocked returns regime's share of the confirmation window
func (d *Detector) fractionLocked(r Regime) float64 {
	n := d.cfg.ConfirmationCycles
	if n < 1 {
		n = 1
	}
	count := 0
	for _, c := range d.buffer {
		if c.Regime == r {
			count++
		}
	}
	return float64(count) / float64(n)
}
