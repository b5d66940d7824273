// Package oracle asks the LLM gateway for regime classifications and
// plan proposals, enforcing strict JSON schemas at the edge.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/metrics"
	"github.com/quantfold/helmsman/internal/plan"
	"github.com/quantfold/helmsman/internal/regime"
	"github.com/quantfold/helmsman/internal/signals"
)

// Proposal is the oracle's answer to a plan review. NoChange means
// the oracle endorses the current plan.
type Proposal struct {
	NoChange             bool                   `json:"no_change"`
	Plan                 *plan.StrategyPlanCard `json:"plan,omitempty"`
	ExpectedAdvantageBps float64                `json:"expected_advantage_bps"`
	Rationale            string                 `json:"rationale"`
	CostUSD              float64                `json:"cost_usd"`
	Tokens               int                    `json:"tokens"`
}

// Oracle is the decision surface the medium loop consumes
type Oracle interface {
	regime.Classifier
	ProposePlan(ctx context.Context, state *account.AccountState, bundle *signals.SignalBundle, current regime.Regime, active *plan.StrategyPlanCard) (*Proposal, error)
	TotalCostUSD() float64
}

// completer is the client surface LLMOracle needs; narrowed for tests
type completer interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error)
	CostUSD(u Usage) float64
}

// LLMOracle implements Oracle over the gateway client. A schema
// violation is retried exactly once with the parse error appended to
// the prompt, then surfaced as a failure.
type LLMOracle struct {
	client completer
	log    zerolog.Logger

	mu        sync.Mutex
	totalCost float64
}

// New builds the production oracle
func New(cfg config.LLMConfig) *LLMOracle {
	return &LLMOracle{
		client: NewClient(cfg),
		log:    config.NewLogger("oracle"),
	}
}

// TotalCostUSD reports cumulative gateway spend this process lifetime
func (o *LLMOracle) TotalCostUSD() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalCost
}

func (o *LLMOracle) recordCost(u Usage) float64 {
	cost := o.client.CostUSD(u)
	o.mu.Lock()
	o.totalCost += cost
	o.mu.Unlock()
	metrics.OracleCost.Add(cost)
	return cost
}

// regimeSchema is the shape the classifier must return
type regimeSchema struct {
	Regime     string  `json:"regime"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (r *regimeSchema) validate() error {
	if !regime.Regime(r.Regime).Valid() {
		return fmt.Errorf("unknown regime %q", r.Regime)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of [0,1]", r.Confidence)
	}
	if r.Reasoning == "" {
		return fmt.Errorf("reasoning is required")
	}
	return nil
}

// ClassifyRegime asks the gateway to label the environment
func (o *LLMOracle) ClassifyRegime(ctx context.Context, sig regime.Signals) (*regime.Classification, error) {
	sigJSON, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode signals: %w", err)
	}
	userPrompt := fmt.Sprintf("Classify the current market regime from these signals:\n\n%s", string(sigJSON))

	var parsed regimeSchema
	if err := askStrict(o, ctx, regimeSystemPrompt, userPrompt, &parsed, (*regimeSchema).validate); err != nil {
		return nil, err
	}
	return &regime.Classification{
		Regime:     regime.Regime(parsed.Regime),
		Confidence: parsed.Confidence,
		Timestamp:  time.Now(),
		Signals:    sig,
		Reasoning:  parsed.Reasoning,
	}, nil
}

// proposalSchema is the shape plan proposals must return
type proposalSchema struct {
	NoChange             bool                   `json:"no_change"`
	Plan                 *plan.StrategyPlanCard `json:"plan,omitempty"`
	ExpectedAdvantageBps float64                `json:"expected_advantage_bps"`
	Rationale            string                 `json:"rationale"`
}

func (p *proposalSchema) validate() error {
	if p.NoChange {
		return nil
	}
	if p.Plan == nil {
		return fmt.Errorf("plan is required when no_change is false")
	}
	if p.Plan.PlanID == "" {
		p.Plan.PlanID = plan.New(p.Plan.StrategyName, p.Plan.StrategyVersion).PlanID
	}
	if p.Plan.CreatedAt.IsZero() {
		p.Plan.CreatedAt = time.Now().UTC()
	}
	if p.Plan.Status == "" {
		p.Plan.Status = plan.StatusActive
	}
	return p.Plan.Validate()
}

// ProposePlan asks the gateway whether the active plan should be
// replaced, and with what
func (o *LLMOracle) ProposePlan(ctx context.Context, state *account.AccountState, bundle *signals.SignalBundle, current regime.Regime, active *plan.StrategyPlanCard) (*Proposal, error) {
	payload := map[string]interface{}{
		"regime":        current,
		"account_state": state,
		"signals":       bundle,
		"active_plan":   active,
	}
	payloadJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal context: %w", err)
	}
	userPrompt := fmt.Sprintf("Review the active plan against current conditions:\n\n%s", string(payloadJSON))

	var parsed proposalSchema
	if err := askStrict(o, ctx, proposalSystemPrompt, userPrompt, &parsed, (*proposalSchema).validate); err != nil {
		return nil, err
	}
	return &Proposal{
		NoChange:             parsed.NoChange,
		Plan:                 parsed.Plan,
		ExpectedAdvantageBps: parsed.ExpectedAdvantageBps,
		Rationale:            parsed.Rationale,
	}, nil
}

// askStrict runs one completion, parses strict JSON into dest, and
// retries exactly once on a schema violation with the error fed back
func askStrict[T any](o *LLMOracle, ctx context.Context, system, user string, dest *T, validate func(*T) error) error {
	prompt := user
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		content, usage, err := o.client.CompleteWithSystem(ctx, system, prompt)
		if err != nil {
			return fmt.Errorf("completion failed: %w", err)
		}
		o.recordCost(usage)

		var parsed T
		parseErr := json.Unmarshal([]byte(extractJSON(content)), &parsed)
		if parseErr == nil {
			parseErr = validate(&parsed)
		}
		if parseErr == nil {
			*dest = parsed
			return nil
		}

		lastErr = parseErr
		o.log.Warn().
			Err(parseErr).
			Int("attempt", attempt+1).
			Msg("Schema violation in oracle response")
		prompt = fmt.Sprintf("%s\n\nYour previous response was rejected: %v\nRespond with valid JSON matching the schema exactly.", user, parseErr)
	}
	return fmt.Errorf("oracle response failed schema validation twice: %w", lastErr)
}
