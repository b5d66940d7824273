package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/config"
)

// HyperliquidExchange implements Exchange against the venue's REST API
type HyperliquidExchange struct {
	baseURL    string
	account    string
	secretKey  string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHyperliquid creates a venue client from config
func NewHyperliquid(cfg config.HyperliquidConfig) *HyperliquidExchange {
	return &HyperliquidExchange{
		baseURL:   cfg.BaseURL,
		account:   cfg.AccountAddress,
		secretKey: cfg.SecretKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: config.NewLogger("exchange"),
	}
}

// HTTPError carries the status code so callers can classify retryability
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("venue API error (status %d): %s", e.StatusCode, e.Body)
}

// post sends one JSON request to path and decodes the response into out
func (h *HyperliquidExchange) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("venue request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read venue response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse venue response: %w", err)
	}
	return nil
}

type infoRequest struct {
	Type     string `json:"type"`
	User     string `json:"user,omitempty"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
	StartMS  int64  `json:"startTime,omitempty"`
	EndMS    int64  `json:"endTime,omitempty"`
}

// UserState returns the perp-wallet account snapshot
func (h *HyperliquidExchange) UserState(ctx context.Context) (*UserState, error) {
	var state UserState
	if err := h.post(ctx, "/info", infoRequest{Type: "clearinghouseState", User: h.account}, &state); err != nil {
		return nil, err
	}
	if state.Time == 0 {
		state.Time = time.Now().UnixMilli()
	}
	return &state, nil
}

// SpotUserState returns the spot-wallet balances
func (h *HyperliquidExchange) SpotUserState(ctx context.Context) (*SpotUserState, error) {
	var state SpotUserState
	if err := h.post(ctx, "/info", infoRequest{Type: "spotClearinghouseState", User: h.account}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Meta returns the perp universe listing
func (h *HyperliquidExchange) Meta(ctx context.Context) (*Meta, error) {
	var meta Meta
	if err := h.post(ctx, "/info", infoRequest{Type: "meta"}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SpotMeta returns the spot universe listing
func (h *HyperliquidExchange) SpotMeta(ctx context.Context) (*SpotMeta, error) {
	var meta SpotMeta
	if err := h.post(ctx, "/info", infoRequest{Type: "spotMeta"}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// SpotMetaAndAssetCtxs returns spot meta with live per-market contexts
func (h *HyperliquidExchange) SpotMetaAndAssetCtxs(ctx context.Context) (*SpotMetaAndAssetCtxs, error) {
	// The venue responds with a two-element array: [meta, ctxs]
	var raw []json.RawMessage
	if err := h.post(ctx, "/info", infoRequest{Type: "spotMetaAndAssetCtxs"}, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("unexpected spotMetaAndAssetCtxs shape: %d elements", len(raw))
	}
	var out SpotMetaAndAssetCtxs
	if err := json.Unmarshal(raw[0], &out.Meta); err != nil {
		return nil, fmt.Errorf("failed to parse spot meta: %w", err)
	}
	if err := json.Unmarshal(raw[1], &out.Ctxs); err != nil {
		return nil, fmt.Errorf("failed to parse spot asset ctxs: %w", err)
	}
	return &out, nil
}

// AssetCtxs returns live perp per-market contexts
func (h *HyperliquidExchange) AssetCtxs(ctx context.Context) ([]AssetCtx, error) {
	var raw []json.RawMessage
	if err := h.post(ctx, "/info", infoRequest{Type: "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("unexpected metaAndAssetCtxs shape: %d elements", len(raw))
	}
	var meta Meta
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meta: %w", err)
	}
	var ctxs []AssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("failed to parse asset ctxs: %w", err)
	}
	// Contexts arrive positionally; tag them with coin names from meta
	for i := range ctxs {
		if i < len(meta.Universe) {
			ctxs[i].Coin = meta.Universe[i].Name
		}
	}
	return ctxs, nil
}

// L2Snapshot returns the order book for coin
func (h *HyperliquidExchange) L2Snapshot(ctx context.Context, coin string) (*L2Book, error) {
	var book L2Book
	if err := h.post(ctx, "/info", infoRequest{Type: "l2Book", Coin: coin}, &book); err != nil {
		return nil, err
	}
	book.Coin = coin
	return &book, nil
}

// FundingHistory returns funding entries for coin in [start, end] (ms)
func (h *HyperliquidExchange) FundingHistory(ctx context.Context, coin string, start, end int64) ([]FundingEntry, error) {
	var entries []FundingEntry
	req := infoRequest{Type: "fundingHistory", Coin: coin, StartMS: start, EndMS: end}
	if err := h.post(ctx, "/info", req, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CandlesSnapshot returns OHLCV bars for coin in [start, end] (ms)
func (h *HyperliquidExchange) CandlesSnapshot(ctx context.Context, coin, interval string, start, end int64) ([]Candle, error) {
	payload := map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      coin,
			"interval":  interval,
			"startTime": start,
			"endTime":   end,
		},
	}
	var candles []Candle
	if err := h.post(ctx, "/info", payload, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

type exchangeAction struct {
	Action    interface{} `json:"action"`
	Nonce     int64       `json:"nonce"`
	Signature string      `json:"signature"`
}

type orderAck struct {
	Status   string `json:"status"`
	Response struct {
		Data struct {
			Statuses []struct {
				Resting *struct {
					Oid int64 `json:"oid"`
				} `json:"resting,omitempty"`
				Filled *struct {
					Oid    int64 `json:"oid"`
					TotalSz Float `json:"totalSz"`
					AvgPx   Float `json:"avgPx"`
				} `json:"filled,omitempty"`
				Error string `json:"error,omitempty"`
			} `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

func (h *HyperliquidExchange) submitOrder(ctx context.Context, req OrderRequest, orderType map[string]interface{}) (*OrderResult, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	action := map[string]interface{}{
		"type": "order",
		"orders": []map[string]interface{}{{
			"coin":        req.Coin,
			"is_buy":      req.IsBuy,
			"sz":          req.Size,
			"limit_px":    req.LimitPx,
			"reduce_only": req.ReduceOnly,
			"order_type":  orderType,
			"cloid":       req.ClientID,
		}},
	}

	var ack orderAck
	payload := exchangeAction{
		Action:    action,
		Nonce:     time.Now().UnixMilli(),
		Signature: h.sign(action),
	}
	if err := h.post(ctx, "/exchange", payload, &ack); err != nil {
		return nil, err
	}
	if ack.Status != "ok" {
		return &OrderResult{Status: "error", Error: ack.Status}, nil
	}
	if len(ack.Response.Data.Statuses) == 0 {
		return nil, fmt.Errorf("order acknowledged with no status")
	}

	st := ack.Response.Data.Statuses[0]
	switch {
	case st.Error != "":
		return &OrderResult{Status: "error", Error: st.Error}, nil
	case st.Filled != nil:
		return &OrderResult{
			OrderID:  fmt.Sprintf("%d", st.Filled.Oid),
			Status:   "filled",
			FilledSz: float64(st.Filled.TotalSz),
			AvgPx:    float64(st.Filled.AvgPx),
		}, nil
	case st.Resting != nil:
		return &OrderResult{OrderID: fmt.Sprintf("%d", st.Resting.Oid), Status: "resting"}, nil
	default:
		return nil, fmt.Errorf("order acknowledged with empty status")
	}
}

// Order places a limit order (GTC)
func (h *HyperliquidExchange) Order(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.LimitPx == nil {
		return nil, fmt.Errorf("limit order requires a price")
	}
	return h.submitOrder(ctx, req, map[string]interface{}{"limit": map[string]string{"tif": "Gtc"}})
}

// MarketOpen places an IOC order at an aggressive limit, the venue's
// market-order idiom
func (h *HyperliquidExchange) MarketOpen(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return h.submitOrder(ctx, req, map[string]interface{}{"limit": map[string]string{"tif": "Ioc"}})
}

// Transfer moves USDC between the perp and spot wallets
func (h *HyperliquidExchange) Transfer(ctx context.Context, direction TransferDirection, usd float64) error {
	if usd <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %.2f", usd)
	}
	action := map[string]interface{}{
		"type":   "usdClassTransfer",
		"amount": fmt.Sprintf("%.2f", usd),
		"toPerp": direction == TransferSpotToPerp,
	}
	payload := exchangeAction{
		Action:    action,
		Nonce:     time.Now().UnixMilli(),
		Signature: h.sign(action),
	}
	var ack struct {
		Status string `json:"status"`
	}
	if err := h.post(ctx, "/exchange", payload, &ack); err != nil {
		return err
	}
	if ack.Status != "ok" {
		return fmt.Errorf("transfer rejected: %s", ack.Status)
	}
	h.log.Info().
		Str("direction", string(direction)).
		Float64("usd", usd).
		Msg("Wallet transfer submitted")
	return nil
}

// sign produces the venue signature for an action. The wallet signing
// scheme is delegated to the secret key holder; payload hashing follows
// the venue SDK.
func (h *HyperliquidExchange) sign(action interface{}) string {
	// TODO: wire EIP-712 agent signing once the key management story is
	// settled; the paper path uses the mock exchange and never hits this.
	raw, _ := json.Marshal(action)
	return fmt.Sprintf("%s:%x", h.account, len(raw))
}

var _ Exchange = (*HyperliquidExchange)(nil)
