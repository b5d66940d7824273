package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantfold/helmsman/internal/governor"
	"github.com/quantfold/helmsman/internal/regime"
	"github.com/quantfold/helmsman/internal/scorekeeper"
	"github.com/quantfold/helmsman/internal/tripwire"
)

func readSnapshot(dir, name string, dest interface{}) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the agent's last known state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var status struct {
			Time           time.Time `json:"time"`
			PortfolioValue float64   `json:"portfolio_value"`
			Stale          bool      `json:"stale"`
			Frozen         bool      `json:"frozen"`
			ActivePlanID   string    `json:"active_plan_id"`
			PlanStatus     string    `json:"plan_status"`
			Regime         string    `json:"regime"`
			OracleCostUSD  float64   `json:"oracle_cost_usd"`
		}
		if err := readSnapshot(cfg.Observability.SnapshotDir, "status.json", &status); err != nil {
			return fmt.Errorf("no status snapshot (is the agent running?): %w", err)
		}

		fmt.Printf("As of:        %s\n", status.Time.Format(time.RFC3339))
		fmt.Printf("Portfolio:    $%.2f%s\n", status.PortfolioValue, staleTag(status.Stale))
		fmt.Printf("Regime:       %s\n", status.Regime)
		if status.ActivePlanID != "" {
			fmt.Printf("Active plan:  %s (%s)\n", status.ActivePlanID, status.PlanStatus)
		} else {
			fmt.Println("Active plan:  none")
		}
		fmt.Printf("Frozen:       %v\n", status.Frozen)
		fmt.Printf("Oracle spend: $%.4f\n", status.OracleCostUSD)
		return nil
	},
}

func staleTag(stale bool) string {
	if stale {
		return " (stale)"
	}
	return ""
}

var govPlanCmd = &cobra.Command{
	Use:   "gov-plan",
	Short: "Show the active plan and recent completions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var state governor.State
		data, err := os.ReadFile(cfg.Governance.StateFile)
		if err != nil {
			return fmt.Errorf("read governor state: %w", err)
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("decode governor state: %w", err)
		}

		if state.ActivePlan == nil {
			fmt.Println("No active plan.")
		} else {
			p := state.ActivePlan
			fmt.Printf("Plan %s  %s v%s  [%s]\n", p.PlanID, p.StrategyName, p.StrategyVersion, p.Status)
			if p.ActivatedAt != nil {
				fmt.Printf("Activated: %s\n", p.ActivatedAt.Format(time.RFC3339))
			}
			fmt.Println("Targets:")
			for _, a := range p.TargetAllocations {
				fmt.Printf("  %-6s %5.1f%%  %s  %gx\n", a.Coin, a.TargetPct, a.MarketType, a.Leverage)
			}
			if state.RebalanceSchedule != nil {
				fmt.Printf("Rebalancing: step %d of %d\n",
					state.RebalanceSchedule.NextStep+1, len(state.RebalanceSchedule.Steps))
			}
		}

		var status struct {
			RecentDecisions []governor.Decision `json:"recent_decisions"`
		}
		if err := readSnapshot(cfg.Observability.SnapshotDir, "status.json", &status); err == nil && len(status.RecentDecisions) > 0 {
			fmt.Println("\nRecent decisions:")
			for _, d := range status.RecentDecisions {
				fmt.Printf("  %s  %-11s %s\n", d.Timestamp.Format(time.RFC3339), d.Verdict, d.Reason)
			}
		}

		completed, err := scorekeeper.ReadCompleted(cfg.Governance.CompletedPlansFile)
		if err == nil && len(completed) > 0 {
			fmt.Println("\nRecent completions:")
			start := len(completed) - 5
			if start < 0 {
				start = 0
			}
			for _, m := range completed[start:] {
				fmt.Printf("  %s\n", m.Summary)
			}
		}
		return nil
	},
}

var govRegimeCmd = &cobra.Command{
	Use:   "gov-regime",
	Short: "Show the current regime classification",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var snap struct {
			Regime         string                 `json:"regime"`
			Classification *regime.Classification `json:"classification"`
		}
		if err := readSnapshot(cfg.Observability.SnapshotDir, "regime.json", &snap); err != nil {
			return fmt.Errorf("no regime snapshot: %w", err)
		}
		fmt.Printf("Regime: %s\n", snap.Regime)
		if c := snap.Classification; c != nil {
			fmt.Printf("Confidence: %.2f\n", c.Confidence)
			fmt.Printf("As of: %s\n", c.Timestamp.Format(time.RFC3339))
			fmt.Printf("Reasoning: %s\n", c.Reasoning)
		}
		return nil
	},
}

var govTripwireCmd = &cobra.Command{
	Use:   "gov-tripwire",
	Short: "Show the last tripwire evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var snap struct {
			Time   time.Time        `json:"time"`
			Events []tripwire.Event `json:"events"`
		}
		if err := readSnapshot(cfg.Observability.SnapshotDir, "tripwire.json", &snap); err != nil {
			return fmt.Errorf("no tripwire snapshot: %w", err)
		}
		fmt.Printf("Checked: %s\n", snap.Time.Format(time.RFC3339))
		if len(snap.Events) == 0 {
			fmt.Println("All clear.")
			return nil
		}
		for _, ev := range snap.Events {
			fmt.Printf("[%s/%s] %s -> %s\n", ev.Severity, ev.Category, ev.Trigger, ev.Action)
		}
		return nil
	},
}

var govMetricsCmd = &cobra.Command{
	Use:   "gov-metrics",
	Short: "Show plan performance and shadow portfolios",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var snap struct {
			Active  *scorekeeper.PlanMetrics      `json:"active"`
			Shadows []scorekeeper.ShadowPortfolio `json:"shadows"`
		}
		if err := readSnapshot(cfg.Observability.SnapshotDir, "scorekeeper.json", &snap); err != nil {
			return fmt.Errorf("no scorekeeper snapshot: %w", err)
		}
		if snap.Active == nil {
			fmt.Println("No active plan scorecard.")
		} else {
			m := snap.Active
			fmt.Printf("Plan %s (%s)\n", m.PlanID, m.StrategyName)
			fmt.Printf("  PnL: %+.2f%% ($%+.2f)  Peak: $%.2f  Max DD: %.2f%%\n",
				m.PnlPct, m.PnlUSD, m.PeakValue, m.MaxDrawdownPct)
			fmt.Printf("  Drift: %.2f%%  Trades: %d (%.0f%% win)  Avg slippage: %.1f bps\n",
				m.DriftPct, m.Trades, m.WinRate()*100, m.AvgSlippageBps)
		}
		if len(snap.Shadows) > 0 {
			fmt.Println("Shadow portfolios:")
			for _, sp := range snap.Shadows {
				fmt.Printf("  %-20s $%.2f (%+.0f bps)\n", sp.Name, sp.CurrentValue, sp.PnlBps())
			}
		}
		return nil
	},
}
