package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/exchange"
)

// ErrNoSnapshot means the venue is unreachable and no last-good state
// exists to fall back on.
var ErrNoSnapshot = errors.New("no account snapshot available")

const spotPriceTTL = 30 * time.Second

// Monitor snapshots venue account state. The last good snapshot is
// kept for stale fallback; the fast loop is the only writer, everyone
// else reads the atomic reference.
type Monitor struct {
	ex       exchange.Exchange
	registry *AssetIdentityRegistry
	log      zerolog.Logger

	lastGood atomic.Pointer[AccountState]

	priceMu      sync.Mutex
	spotPrices   map[string]float64
	spotPricedAt time.Time

	now func() time.Time
}

// NewMonitor wires a monitor over the venue client
func NewMonitor(ex exchange.Exchange, registry *AssetIdentityRegistry) *Monitor {
	return &Monitor{
		ex:         ex,
		registry:   registry,
		log:        config.NewLogger("account"),
		spotPrices: make(map[string]float64),
		now:        time.Now,
	}
}

// Snapshot fetches fresh account state. On venue failure it returns
// the last good snapshot flagged stale; with no last good snapshot it
// fails.
func (m *Monitor) Snapshot(ctx context.Context) (*AccountState, error) {
	state, err := m.fetch(ctx)
	if err != nil {
		if cached := m.lastGood.Load(); cached != nil {
			m.log.Warn().Err(err).
				Int64("cached_at", cached.Timestamp).
				Msg("Venue snapshot failed, serving stale state")
			stale := *cached
			stale.IsStale = true
			return &stale, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}

	m.lastGood.Store(state)
	return state, nil
}

// Last returns the most recent good snapshot without touching the
// venue. Used by status surfaces and tests.
func (m *Monitor) Last() *AccountState {
	return m.lastGood.Load()
}

func (m *Monitor) fetch(ctx context.Context) (*AccountState, error) {
	userState, err := m.ex.UserState(ctx)
	if err != nil {
		return nil, fmt.Errorf("user state: %w", err)
	}
	spotState, err := m.ex.SpotUserState(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot state: %w", err)
	}

	state := &AccountState{
		AccountValue:       float64(userState.MarginSummary.AccountValue),
		AvailableBalance:   float64(userState.Withdrawable),
		TotalInitialMargin: float64(userState.MarginSummary.TotalMarginUsed),
		SpotBalances:       make(map[string]float64),
		Timestamp:          m.now().Unix(),
	}

	for _, pos := range userState.AssetPositions {
		size := float64(pos.Szi)
		direction := "long"
		if size < 0 {
			direction = "short"
		}
		entry := float64(pos.EntryPx)
		current := entry
		if pos.PositionValue != 0 && size != 0 {
			current = math.Abs(float64(pos.PositionValue)) / math.Abs(size)
		}
		state.Positions = append(state.Positions, Position{
			Coin:          pos.Coin,
			MarketType:    MarketPerp,
			Size:          math.Abs(size),
			Direction:     direction,
			EntryPrice:    entry,
			CurrentPrice:  current,
			UnrealizedPnl: float64(pos.UnrealizedPnl),
			LiquidationPx: float64(pos.LiquidationPx),
		})
	}

	spotValue := 0.0
	for _, bal := range spotState.Balances {
		qty := float64(bal.Total)
		if qty == 0 {
			continue
		}
		id, ok := m.registry.Resolve(bal.Coin)
		coin := bal.Coin
		if ok {
			coin = id.Canonical
		}
		state.SpotBalances[coin] = qty

		px, err := m.spotPrice(ctx, coin)
		if err != nil {
			m.log.Warn().Err(err).Str("coin", coin).Msg("Spot balance left unpriced")
			continue
		}
		spotValue += qty * px
		if coin != "USDC" {
			state.Positions = append(state.Positions, Position{
				Coin:         coin,
				MarketType:   MarketSpot,
				Size:         qty,
				Direction:    "long",
				CurrentPrice: px,
			})
		}
	}

	state.PortfolioValue = state.AccountValue + spotValue
	if state.PortfolioValue < 0 {
		state.PortfolioValue = 0
	}
	return state, nil
}

// spotPrice resolves a canonical asset to its USD mid. USDC is pegged
// at 1.0; everything else uses spot context mids cached for 30 s.
func (m *Monitor) spotPrice(ctx context.Context, canonical string) (float64, error) {
	if canonical == "USDC" {
		return 1.0, nil
	}

	m.priceMu.Lock()
	defer m.priceMu.Unlock()

	if m.now().Sub(m.spotPricedAt) > spotPriceTTL {
		if err := m.refreshSpotPrices(ctx); err != nil {
			if len(m.spotPrices) == 0 {
				return 0, err
			}
			m.log.Warn().Err(err).Msg("Spot price refresh failed, reusing cached mids")
		} else {
			m.spotPricedAt = m.now()
		}
	}

	px, ok := m.spotPrices[canonical]
	if !ok {
		return 0, fmt.Errorf("no spot price for %q", canonical)
	}
	return px, nil
}

// refreshSpotPrices must be called with priceMu held
func (m *Monitor) refreshSpotPrices(ctx context.Context) error {
	combined, err := m.ex.SpotMetaAndAssetCtxs(ctx)
	if err != nil {
		return fmt.Errorf("spot ctxs: %w", err)
	}
	for _, c := range combined.Ctxs {
		id, ok := m.registry.Resolve(c.Coin)
		if !ok {
			continue
		}
		mid := float64(c.MidPx)
		if mid == 0 {
			mid = float64(c.MarkPx)
		}
		if mid > 0 {
			m.spotPrices[id.Canonical] = mid
		}
	}
	return nil
}
