package signals

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
)

// MacroProvider sources the macro event calendar and derives a macro
// risk score in [0, 1] from event proximity and impact. Without an
// upstream URL it falls back to a builtin recurring calendar so the
// event-lock machinery still has something to bite on.
type MacroProvider struct {
	baseURL string
	ttl     time.Duration
	fetcher *Fetcher
	client  *http.Client
	now     func() time.Time
}

// NewMacroProvider wires the macro calendar provider
func NewMacroProvider(store *cache.Store, cfg config.ProviderConfig) *MacroProvider {
	return &MacroProvider{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		ttl:     time.Duration(cfg.TTLSeconds) * time.Second,
		fetcher: NewFetcher("macro", store, cfg),
		client:  &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

func (p *MacroProvider) Name() string { return "macro" }

func (p *MacroProvider) Serves(kind string) bool { return kind == KindSlow }

func (p *MacroProvider) Fields(kind string) []string {
	if kind != KindSlow {
		return nil
	}
	return []string{"macro_events", "macro_risk"}
}

type macroRecord struct {
	Name        string `json:"name" msgpack:"name"`
	TimestampMS int64  `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Impact      string `json:"impact" msgpack:"impact"`
}

func (p *MacroProvider) Collect(ctx context.Context, req Request) (*SignalBundle, error) {
	b := NewBundle(req.Kind, time.Now())
	if req.Kind != KindSlow {
		return b, nil
	}

	events, conf, source := p.calendar(ctx)
	now := p.now()

	horizon := now.Add(45 * 24 * time.Hour)
	for _, ev := range events {
		if ev.Timestamp.Before(now.Add(-48*time.Hour)) || ev.Timestamp.After(horizon) {
			continue
		}
		b.MacroEvents = append(b.MacroEvents, ev)
	}
	sort.Slice(b.MacroEvents, func(i, j int) bool {
		return b.MacroEvents[i].Timestamp.Before(b.MacroEvents[j].Timestamp)
	})

	b.MacroRisk = &Scalar{
		Value:      riskScore(b.MacroEvents, now),
		Confidence: conf,
		Source:     source,
	}
	return b, nil
}

// calendar fetches the upstream calendar, degrading to the builtin
// recurring schedule on any failure
func (p *MacroProvider) calendar(ctx context.Context) ([]MacroEvent, float64, string) {
	if p.baseURL == "" {
		return builtinCalendar(p.now()), NeutralConfidence, "builtin"
	}

	var records []macroRecord
	resp, err := p.fetcher.Cached(ctx, "macro:calendar", p.ttl, &records, func(ctx context.Context) (interface{}, error) {
		var out []macroRecord
		if err := getJSON(ctx, p.client, p.baseURL+"/calendar", nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return builtinCalendar(p.now()), NeutralConfidence, "builtin"
	}

	events := make([]MacroEvent, 0, len(records))
	for _, r := range records {
		events = append(events, MacroEvent{
			Name:      r.Name,
			Timestamp: time.UnixMilli(r.TimestampMS),
			Impact:    strings.ToLower(r.Impact),
		})
	}
	return events, resp.Confidence, resp.Source
}

// builtinCalendar approximates the recurring US macro schedule: CPI
// mid-month, FOMC roughly every six weeks on Wednesdays
func builtinCalendar(now time.Time) []MacroEvent {
	var events []MacroEvent
	for m := 0; m < 2; m++ {
		month := now.AddDate(0, m, 0)
		cpi := time.Date(month.Year(), month.Month(), 13, 13, 30, 0, 0, time.UTC)
		events = append(events, MacroEvent{Name: "US CPI", Timestamp: cpi, Impact: "high"})
	}
	fomc := nextWeekday(now.AddDate(0, 0, 21), time.Wednesday)
	events = append(events, MacroEvent{
		Name:      "FOMC Rate Decision",
		Timestamp: time.Date(fomc.Year(), fomc.Month(), fomc.Day(), 18, 0, 0, 0, time.UTC),
		Impact:    "high",
	})
	return events
}

func nextWeekday(from time.Time, day time.Weekday) time.Time {
	d := from
	for d.Weekday() != day {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// riskScore maps event proximity to [0, 1]: a high-impact event
// within 24 h pins the score near 1, decaying linearly over a week
func riskScore(events []MacroEvent, now time.Time) float64 {
	score := 0.0
	for _, ev := range events {
		until := ev.Timestamp.Sub(now)
		if until < 0 {
			until = -until / 2 // just-passed events still carry some risk
		}
		if until > 7*24*time.Hour {
			continue
		}
		weight := impactWeight(ev.Impact)
		proximity := 1 - until.Hours()/(7*24)
		if s := weight * proximity; s > score {
			score = s
		}
	}
	return score
}

func impactWeight(impact string) float64 {
	switch impact {
	case "high":
		return 1.0
	case "medium":
		return 0.6
	default:
		return 0.3
	}
}
