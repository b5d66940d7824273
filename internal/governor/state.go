package governor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/plan"
)

// State is the governor's durable core: what is active, when it last
// changed, and any in-flight rotation.
type State struct {
	ActivePlan        *plan.StrategyPlanCard `json:"active_plan,omitempty"`
	LastChangeAt      *time.Time             `json:"last_change_at,omitempty"`
	RebalanceSchedule *RebalanceSchedule     `json:"rebalance_schedule,omitempty"`
}

// Decision is one governance verdict, kept for the status surface
type Decision struct {
	Timestamp time.Time `json:"timestamp"`
	Verdict   string    `json:"verdict"` // "approved", "rejected", "invalidated"
	Reason    string    `json:"reason"`
	PlanID    string    `json:"plan_id,omitempty"`
}

// saveState writes the state atomically: temp file in the same
// directory, fsync, then rename over the target.
func saveState(path string, state *State) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode governor state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".governor-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// loadState reads persisted state. A missing file is empty state; a
// corrupt file is logged loudly and also treated as empty, starting
// clean rather than crashing.
func loadState(path string, log zerolog.Logger) *State {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", path).Msg("Failed to read governor state, starting clean")
		}
		return &State{}
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Governor state file corrupt, starting clean")
		return &State{}
	}
	if state.ActivePlan != nil {
		if err := state.ActivePlan.Validate(); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Persisted active plan invalid, starting clean")
			return &State{}
		}
	}
	return &state
}
