package account

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/quantfold/helmsman/internal/exchange"
)

// AssetIdentity maps one asset's aliases across venue surfaces
type AssetIdentity struct {
	Canonical    string   // canonical symbol, e.g. "BTC"
	WalletAlias  string   // name in spot balances, e.g. "UBTC"
	PerpAlias    string   // perp market coin, e.g. "BTC"
	SpotAliases  []string // spot pair names, e.g. "UBTC/USDC"
	DefaultQuote string   // quote asset for spot pricing
	SzDecimals   map[MarketType]int
}

// AssetIdentityRegistry resolves asset aliases to canonical symbols
// and carries per-market size precision. Seeded from static entries,
// then hydrated with venue metadata at startup.
type AssetIdentityRegistry struct {
	mu         sync.RWMutex
	byCanon    map[string]*AssetIdentity
	aliasIndex map[string]string // upper-cased alias -> canonical
}

// builtin identities for assets whose wallet names differ from their
// perp names on the venue
var builtinIdentities = []AssetIdentity{
	{Canonical: "BTC", WalletAlias: "UBTC", PerpAlias: "BTC", SpotAliases: []string{"UBTC/USDC"}, DefaultQuote: "USDC"},
	{Canonical: "ETH", WalletAlias: "UETH", PerpAlias: "ETH", SpotAliases: []string{"UETH/USDC"}, DefaultQuote: "USDC"},
	{Canonical: "SOL", WalletAlias: "USOL", PerpAlias: "SOL", SpotAliases: []string{"USOL/USDC"}, DefaultQuote: "USDC"},
	{Canonical: "HYPE", WalletAlias: "HYPE", PerpAlias: "HYPE", SpotAliases: []string{"HYPE/USDC"}, DefaultQuote: "USDC"},
	{Canonical: "USDC", WalletAlias: "USDC", PerpAlias: "", DefaultQuote: "USDC"},
}

// NewRegistry builds a registry from the builtin identity table
func NewRegistry() *AssetIdentityRegistry {
	r := &AssetIdentityRegistry{
		byCanon:    make(map[string]*AssetIdentity),
		aliasIndex: make(map[string]string),
	}
	for i := range builtinIdentities {
		id := builtinIdentities[i]
		id.SzDecimals = make(map[MarketType]int)
		r.register(&id)
	}
	return r
}

func (r *AssetIdentityRegistry) register(id *AssetIdentity) {
	r.byCanon[id.Canonical] = id
	r.aliasIndex[strings.ToUpper(id.Canonical)] = id.Canonical
	if id.WalletAlias != "" {
		r.aliasIndex[strings.ToUpper(id.WalletAlias)] = id.Canonical
	}
	if id.PerpAlias != "" {
		r.aliasIndex[strings.ToUpper(id.PerpAlias)] = id.Canonical
	}
	for _, a := range id.SpotAliases {
		r.aliasIndex[strings.ToUpper(a)] = id.Canonical
	}
}

// Hydrate fills size precision and discovers unlisted assets from
// venue metadata. Call once at startup.
func (r *AssetIdentityRegistry) Hydrate(ctx context.Context, ex exchange.Exchange) error {
	meta, err := ex.Meta(ctx)
	if err != nil {
		return fmt.Errorf("failed to load perp meta: %w", err)
	}
	spotMeta, err := ex.SpotMeta(ctx)
	if err != nil {
		return fmt.Errorf("failed to load spot meta: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, asset := range meta.Universe {
		canon, ok := r.aliasIndex[strings.ToUpper(asset.Name)]
		if !ok {
			id := &AssetIdentity{
				Canonical:    asset.Name,
				WalletAlias:  asset.Name,
				PerpAlias:    asset.Name,
				DefaultQuote: "USDC",
				SzDecimals:   make(map[MarketType]int),
			}
			r.register(id)
			canon = asset.Name
		}
		r.byCanon[canon].SzDecimals[MarketPerp] = asset.SzDecimals
	}

	tokensByIndex := make(map[int]exchange.SpotTokenMeta, len(spotMeta.Tokens))
	for _, tok := range spotMeta.Tokens {
		tokensByIndex[tok.Index] = tok
	}
	for _, pair := range spotMeta.Universe {
		base, ok := tokensByIndex[pair.Tokens[0]]
		if !ok {
			continue
		}
		canon, ok := r.aliasIndex[strings.ToUpper(base.Name)]
		if !ok {
			continue
		}
		id := r.byCanon[canon]
		id.SzDecimals[MarketSpot] = base.SzDecimals
		if !containsFold(id.SpotAliases, pair.Name) {
			id.SpotAliases = append(id.SpotAliases, pair.Name)
			r.aliasIndex[strings.ToUpper(pair.Name)] = canon
		}
	}
	return nil
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

// Resolve maps any known alias to its canonical identity
func (r *AssetIdentityRegistry) Resolve(alias string) (AssetIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canon, ok := r.aliasIndex[strings.ToUpper(alias)]
	if !ok {
		return AssetIdentity{}, false
	}
	return *r.byCanon[canon], true
}

// SzDecimals returns the size precision for coin on market. Falls back
// to a conservative 0 when the asset or market is unknown.
func (r *AssetIdentityRegistry) SzDecimals(coin string, market MarketType) (int, error) {
	id, ok := r.Resolve(coin)
	if !ok {
		return 0, fmt.Errorf("unknown asset %q", coin)
	}
	dec, ok := id.SzDecimals[market]
	if !ok {
		return 0, fmt.Errorf("no %s market precision for %q", market, coin)
	}
	return dec, nil
}
