package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/exchange"
)

// Request asks the orchestrator for one bundle
type Request struct {
	Kind    string
	Account *account.AccountState
	Coins   []string
}

// Provider contributes fields to a signal bundle. Collect returns a
// partial bundle; the orchestrator merges partials in provider-name
// order so aggregation is deterministic.
type Provider interface {
	Name() string
	Serves(kind string) bool
	// Fields names what this provider contributes for kind, used to
	// mark explicit absences when the whole provider fails.
	Fields(kind string) []string
	Collect(ctx context.Context, req Request) (*SignalBundle, error)
}

// getJSON performs one GET and decodes the body. Non-200 statuses
// become exchange.HTTPError so the retry classifier can see them.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &exchange.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
