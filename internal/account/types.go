package account

// MarketType distinguishes spot holdings from perp positions
type MarketType string

const (
	MarketSpot MarketType = "spot"
	MarketPerp MarketType = "perp"
)

// Position is one open holding. Size is absolute; Direction carries
// the sign for perps.
type Position struct {
	Coin          string     `json:"coin"`
	MarketType    MarketType `json:"market_type"`
	Size          float64    `json:"size"`
	Direction     string     `json:"direction"` // "long" or "short"
	EntryPrice    float64    `json:"entry_price"`
	CurrentPrice  float64    `json:"current_price"`
	UnrealizedPnl float64    `json:"unrealized_pnl"`
	LiquidationPx float64    `json:"liquidation_px,omitempty"`
}

// Notional is the absolute USD value of the position
func (p Position) Notional() float64 {
	return p.Size * p.CurrentPrice
}

// AccountState is a point-in-time snapshot of the venue account
type AccountState struct {
	PortfolioValue     float64            `json:"portfolio_value"`
	AvailableBalance   float64            `json:"available_balance"`
	AccountValue       float64            `json:"account_value"`
	TotalInitialMargin float64            `json:"total_initial_margin"`
	Positions          []Position         `json:"positions"`
	SpotBalances       map[string]float64 `json:"spot_balances"`
	Timestamp          int64              `json:"timestamp"` // seconds since epoch
	IsStale            bool               `json:"is_stale"`
}

// Position returns the open position for coin and market, if any
func (s *AccountState) Position(coin string, market MarketType) (Position, bool) {
	for _, p := range s.Positions {
		if p.Coin == coin && p.MarketType == market {
			return p, true
		}
	}
	return Position{}, false
}

// GrossNotional sums absolute position notionals
func (s *AccountState) GrossNotional() float64 {
	total := 0.0
	for _, p := range s.Positions {
		total += p.Notional()
	}
	return total
}
