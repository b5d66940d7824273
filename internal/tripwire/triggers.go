package tripwire

import (
	"regexp"
	"strconv"
	"strings"
)

// Metric names the closed set of measurable quantities an
// invalidation trigger may reference.
type Metric string

const (
	MetricPositionSize Metric = "position_size"
	MetricPnlDrawdown  Metric = "pnl_drawdown"
	MetricVolatility   Metric = "volatility"
	MetricFundingRate  Metric = "funding_rate"
)

// Predicate is a parsed invalidation trigger. Zero value never fires.
type Predicate struct {
	Raw       string
	Metric    Metric
	Op        string
	Threshold float64
	valid     bool
}

// Valid reports whether the trigger parsed into the grammar. Triggers
// outside the grammar evaluate to false forever.
func (p Predicate) Valid() bool { return p.valid }

// Evaluate applies the comparison to an observed value.
func (p Predicate) Evaluate(observed float64) bool {
	if !p.valid {
		return false
	}
	switch p.Op {
	case ">":
		return observed > p.Threshold
	case ">=":
		return observed >= p.Threshold
	case "<":
		return observed < p.Threshold
	case "<=":
		return observed <= p.Threshold
	}
	return false
}

var triggerPattern = regexp.MustCompile(
	`^\s*(position size|pnl drawdown|volatility|funding rate)\s*(>=|<=|>|<)\s*([0-9]+(?:\.[0-9]+)?)\s*%(\s+of\s+portfolio)?\s*$`)

var metricByPhrase = map[string]Metric{
	"position size": MetricPositionSize,
	"pnl drawdown":  MetricPnlDrawdown,
	"volatility":    MetricVolatility,
	"funding rate":  MetricFundingRate,
}

// ParseTrigger parses a free-text invalidation trigger against the
// grammar `<metric> <op> <value>%`. Anything else returns an invalid
// predicate.
func ParseTrigger(raw string) Predicate {
	m := triggerPattern.FindStringSubmatch(strings.ToLower(raw))
	if m == nil {
		return Predicate{Raw: raw}
	}
	threshold, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Predicate{Raw: raw}
	}
	return Predicate{
		Raw:       raw,
		Metric:    metricByPhrase[m[1]],
		Op:        m[2],
		Threshold: threshold,
		valid:     true,
	}
}
