package exchange

import "context"

// Exchange is the venue API surface the core depends on. Both the HTTP
// client and the paper-trading mock implement it; semantics follow the
// venue's published API.
type Exchange interface {
	// UserState returns the perp-wallet account snapshot
	UserState(ctx context.Context) (*UserState, error)

	// SpotUserState returns the spot-wallet balances
	SpotUserState(ctx context.Context) (*SpotUserState, error)

	// Meta returns the perp universe listing
	Meta(ctx context.Context) (*Meta, error)

	// SpotMeta returns the spot universe listing
	SpotMeta(ctx context.Context) (*SpotMeta, error)

	// SpotMetaAndAssetCtxs returns spot meta with live per-market contexts
	SpotMetaAndAssetCtxs(ctx context.Context) (*SpotMetaAndAssetCtxs, error)

	// AssetCtxs returns live perp per-market contexts
	AssetCtxs(ctx context.Context) ([]AssetCtx, error)

	// L2Snapshot returns the order book for coin
	L2Snapshot(ctx context.Context, coin string) (*L2Book, error)

	// FundingHistory returns funding entries for coin in [start, end] (ms)
	FundingHistory(ctx context.Context, coin string, start, end int64) ([]FundingEntry, error)

	// CandlesSnapshot returns OHLCV bars for coin in [start, end] (ms)
	CandlesSnapshot(ctx context.Context, coin, interval string, start, end int64) ([]Candle, error)

	// Order places a limit order
	Order(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// MarketOpen places a market order
	MarketOpen(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// Transfer moves USDC between the perp and spot wallets
	Transfer(ctx context.Context, direction TransferDirection, usd float64) error
}
