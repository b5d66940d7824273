package exchange

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockExchange is an in-memory venue for paper trading and tests. Fills
// are immediate at the mark price with a fixed slippage haircut.
type MockExchange struct {
	mu sync.Mutex

	perpUSD   float64
	spotUSD   float64
	positions map[string]*AssetPosition
	spot      map[string]float64

	marks       map[string]float64
	funding     map[string]float64
	szDecimals  map[string]int
	slippageBps float64
	orderCount  int

	failNext error
}

// NewMockExchange seeds a paper account with startUSD in the perp wallet
func NewMockExchange(startUSD float64) *MockExchange {
	return &MockExchange{
		perpUSD:   startUSD,
		positions: make(map[string]*AssetPosition),
		spot:      map[string]float64{"USDC": 0},
		marks: map[string]float64{
			"BTC": 65000,
			"ETH": 3200,
			"SOL": 140,
		},
		funding: map[string]float64{
			"BTC": 0.0000125,
			"ETH": 0.0000100,
			"SOL": 0.0000450,
		},
		szDecimals: map[string]int{
			"BTC": 4,
			"ETH": 3,
			"SOL": 1,
		},
		slippageBps: 5,
	}
}

// SetMark overrides the mark price for coin
func (m *MockExchange) SetMark(coin string, px float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[coin] = px
}

// SetFunding overrides the funding rate for coin
func (m *MockExchange) SetFunding(coin string, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[coin] = rate
}

// FailNext makes the next order call return err, then clears
func (m *MockExchange) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MockExchange) UserState(ctx context.Context) (*UserState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := &UserState{Time: time.Now().UnixMilli()}
	totalNtl := 0.0
	marginUsed := 0.0
	for coin, pos := range m.positions {
		mark := m.marks[coin]
		ntl := math.Abs(float64(pos.Szi)) * mark
		unreal := float64(pos.Szi) * (mark - float64(pos.EntryPx))
		totalNtl += ntl
		marginUsed += ntl / 5 // assume 5x
		p := *pos
		p.PositionValue = Float(ntl)
		p.UnrealizedPnl = Float(unreal)
		p.MarginUsed = Float(ntl / 5)
		state.AssetPositions = append(state.AssetPositions, p)
	}
	acctValue := m.perpUSD
	for coin, pos := range m.positions {
		acctValue += float64(pos.Szi) * (m.marks[coin] - float64(pos.EntryPx))
	}
	state.MarginSummary = MarginSummary{
		AccountValue:    Float(acctValue),
		TotalNtlPos:     Float(totalNtl),
		TotalRawUsd:     Float(m.perpUSD),
		TotalMarginUsed: Float(marginUsed),
	}
	state.Withdrawable = Float(math.Max(0, acctValue-marginUsed))
	return state, nil
}

func (m *MockExchange) SpotUserState(ctx context.Context) (*SpotUserState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := &SpotUserState{
		Balances: []SpotBalance{{Coin: "USDC", Total: Float(m.spotUSD)}},
	}
	for coin, qty := range m.spot {
		if coin == "USDC" || qty == 0 {
			continue
		}
		state.Balances = append(state.Balances, SpotBalance{Coin: coin, Total: Float(qty)})
	}
	return state, nil
}

func (m *MockExchange) Meta(ctx context.Context) (*Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := &Meta{}
	for coin, dec := range m.szDecimals {
		meta.Universe = append(meta.Universe, AssetMeta{Name: coin, SzDecimals: dec, MaxLeverage: 20})
	}
	return meta, nil
}

func (m *MockExchange) SpotMeta(ctx context.Context) (*SpotMeta, error) {
	return &SpotMeta{
		Tokens: []SpotTokenMeta{
			{Name: "USDC", SzDecimals: 2, Index: 0},
			{Name: "HYPE", SzDecimals: 2, Index: 1},
		},
		Universe: []SpotPairMeta{{Name: "HYPE/USDC", Tokens: [2]int{1, 0}, Index: 0}},
	}, nil
}

func (m *MockExchange) SpotMetaAndAssetCtxs(ctx context.Context) (*SpotMetaAndAssetCtxs, error) {
	meta, _ := m.SpotMeta(ctx)
	return &SpotMetaAndAssetCtxs{
		Meta: *meta,
		Ctxs: []AssetCtx{{Coin: "HYPE/USDC", MidPx: 28.5, MarkPx: 28.5}},
	}, nil
}

func (m *MockExchange) AssetCtxs(ctx context.Context) ([]AssetCtx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ctxs []AssetCtx
	for coin, mark := range m.marks {
		ctxs = append(ctxs, AssetCtx{
			Coin:    coin,
			MarkPx:  Float(mark),
			MidPx:   Float(mark),
			Funding: Float(m.funding[coin]),
		})
	}
	return ctxs, nil
}

func (m *MockExchange) L2Snapshot(ctx context.Context, coin string) (*L2Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark, ok := m.marks[coin]
	if !ok {
		return nil, fmt.Errorf("unknown coin %q", coin)
	}
	spread := mark * 0.0002
	book := &L2Book{Coin: coin, Time: time.Now().UnixMilli()}
	for i := 0; i < 5; i++ {
		step := float64(i+1) * spread
		book.Levels[0] = append(book.Levels[0], BookLevel{Px: Float(mark - step), Sz: Float(2.0 / float64(i+1)), N: 1})
		book.Levels[1] = append(book.Levels[1], BookLevel{Px: Float(mark + step), Sz: Float(2.0 / float64(i+1)), N: 1})
	}
	return book, nil
}

func (m *MockExchange) FundingHistory(ctx context.Context, coin string, start, end int64) ([]FundingEntry, error) {
	m.mu.Lock()
	rate := m.funding[coin]
	m.mu.Unlock()

	var entries []FundingEntry
	for t := start; t <= end; t += int64(time.Hour / time.Millisecond) {
		entries = append(entries, FundingEntry{Coin: coin, FundingRate: Float(rate), Time: t})
	}
	return entries, nil
}

func (m *MockExchange) CandlesSnapshot(ctx context.Context, coin, interval string, start, end int64) ([]Candle, error) {
	m.mu.Lock()
	mark, ok := m.marks[coin]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown coin %q", coin)
	}

	step, err := intervalMillis(interval)
	if err != nil {
		return nil, err
	}
	var candles []Candle
	i := 0
	for t := start; t < end; t += step {
		// deterministic gentle wave so indicator tests have structure
		px := mark * (1 + 0.01*math.Sin(float64(i)/8))
		candles = append(candles, Candle{
			Time:   t,
			Coin:   coin,
			Open:   Float(px * 0.999),
			High:   Float(px * 1.002),
			Low:    Float(px * 0.997),
			Close:  Float(px),
			Volume: Float(100),
		})
		i++
	}
	return candles, nil
}

func intervalMillis(interval string) (int64, error) {
	switch strings.ToLower(interval) {
	case "1m":
		return int64(time.Minute / time.Millisecond), nil
	case "5m":
		return int64(5 * time.Minute / time.Millisecond), nil
	case "15m":
		return int64(15 * time.Minute / time.Millisecond), nil
	case "1h":
		return int64(time.Hour / time.Millisecond), nil
	case "4h":
		return int64(4 * time.Hour / time.Millisecond), nil
	case "1d":
		return int64(24 * time.Hour / time.Millisecond), nil
	default:
		return 0, fmt.Errorf("unsupported candle interval %q", interval)
	}
}

// Order fills immediately at the limit price if marketable, otherwise
// reports resting without tracking the open order.
func (m *MockExchange) Order(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.LimitPx == nil {
		return nil, fmt.Errorf("limit order requires a price")
	}
	return m.fill(req, *req.LimitPx)
}

// MarketOpen fills immediately at mark plus slippage
func (m *MockExchange) MarketOpen(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	mark, ok := m.marks[req.Coin]
	m.mu.Unlock()
	if !ok {
		return &OrderResult{Status: "error", Error: fmt.Sprintf("unknown coin %q", req.Coin)}, nil
	}
	slip := mark * m.slippageBps / 10000
	px := mark + slip
	if !req.IsBuy {
		px = mark - slip
	}
	return m.fill(req, px)
}

func (m *MockExchange) fill(req OrderRequest, px float64) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	if req.Size <= 0 {
		return &OrderResult{Status: "error", Error: "size must be positive"}, nil
	}

	if req.IsSpot {
		cost := req.Size * px
		if req.IsBuy {
			if cost > m.spotUSD {
				return &OrderResult{Status: "error", Error: "insufficient spot balance"}, nil
			}
			m.spotUSD -= cost
			m.spot[req.Coin] += req.Size
		} else {
			if m.spot[req.Coin] < req.Size {
				return &OrderResult{Status: "error", Error: "insufficient spot holding"}, nil
			}
			m.spot[req.Coin] -= req.Size
			m.spotUSD += cost
		}
	} else {
		delta := req.Size
		if !req.IsBuy {
			delta = -req.Size
		}
		pos, exists := m.positions[req.Coin]
		if req.ReduceOnly && (!exists || sameSign(float64(pos.Szi), delta)) {
			return &OrderResult{Status: "error", Error: "reduce-only order would increase position"}, nil
		}
		if !exists {
			m.positions[req.Coin] = &AssetPosition{Coin: req.Coin, Szi: Float(delta), EntryPx: Float(px)}
		} else {
			oldSz := float64(pos.Szi)
			newSz := oldSz + delta
			if sameSign(oldSz, delta) {
				// add to position: blend entry
				entry := (math.Abs(oldSz)*float64(pos.EntryPx) + math.Abs(delta)*px) / math.Abs(newSz)
				pos.EntryPx = Float(entry)
				pos.Szi = Float(newSz)
			} else {
				closed := math.Min(math.Abs(oldSz), math.Abs(delta))
				dir := 1.0
				if oldSz < 0 {
					dir = -1
				}
				m.perpUSD += dir * closed * (px - float64(pos.EntryPx))
				if newSz == 0 {
					delete(m.positions, req.Coin)
				} else {
					pos.Szi = Float(newSz)
					if !sameSign(oldSz, newSz) {
						pos.EntryPx = Float(px)
					}
				}
			}
		}
	}

	m.orderCount++
	return &OrderResult{
		OrderID:  uuid.NewString(),
		Status:   "filled",
		FilledSz: req.Size,
		AvgPx:    px,
	}, nil
}

func sameSign(a, b float64) bool {
	return (a >= 0) == (b >= 0)
}

// Transfer moves USDC between the paper wallets
func (m *MockExchange) Transfer(ctx context.Context, direction TransferDirection, usd float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if usd <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %.2f", usd)
	}
	switch direction {
	case TransferPerpToSpot:
		if usd > m.perpUSD {
			return fmt.Errorf("insufficient perp balance: have %.2f, want %.2f", m.perpUSD, usd)
		}
		m.perpUSD -= usd
		m.spotUSD += usd
	case TransferSpotToPerp:
		if usd > m.spotUSD {
			return fmt.Errorf("insufficient spot balance: have %.2f, want %.2f", m.spotUSD, usd)
		}
		m.spotUSD -= usd
		m.perpUSD += usd
	default:
		return fmt.Errorf("unknown transfer direction %q", direction)
	}
	return nil
}

// OrderCount reports how many fills have happened, for tests
func (m *MockExchange) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderCount
}

var _ Exchange = (*MockExchange)(nil)
