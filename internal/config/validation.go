package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateHyperliquid()...)
	errs = append(errs, c.validateLLM()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateGovernance()...)
	errs = append(errs, c.validateSignals()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateHyperliquid() ValidationErrors {
	var errs ValidationErrors

	if c.Hyperliquid.AccountAddress == "" {
		errs = append(errs, ValidationError{
			Field:   "hyperliquid.account_address",
			Message: "account address is required",
		})
	}
	if c.Hyperliquid.BaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "hyperliquid.base_url",
			Message: "base URL is required",
		})
	}

	return errs
}

func (c *Config) validateLLM() ValidationErrors {
	var errs ValidationErrors

	if c.LLM.Endpoint == "" {
		errs = append(errs, ValidationError{
			Field:   "llm.endpoint",
			Message: "endpoint is required",
		})
	}
	if c.LLM.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "llm.model",
			Message: "model is required",
		})
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "llm.temperature",
			Message: fmt.Sprintf("temperature %.2f outside [0, 2]", c.LLM.Temperature),
		})
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be positive",
		})
	}

	return errs
}

func (c *Config) validateAgent() ValidationErrors {
	var errs ValidationErrors

	if c.Agent.TickIntervalSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "agent.tick_interval_seconds",
			Message: "tick interval must be positive",
		})
	}
	if c.Agent.BackoffBase <= 1.0 {
		errs = append(errs, ValidationError{
			Field:   "agent.backoff_base",
			Message: fmt.Sprintf("backoff base %.2f must be > 1.0", c.Agent.BackoffBase),
		})
	}

	return errs
}

func (c *Config) validateGovernance() ValidationErrors {
	var errs ValidationErrors
	g := c.Governance

	if g.PartialRotationPctPerCycle <= 0 || g.PartialRotationPctPerCycle > 100 {
		errs = append(errs, ValidationError{
			Field:   "governance.partial_rotation_pct_per_cycle",
			Message: fmt.Sprintf("partial rotation %.1f%% outside (0, 100]", g.PartialRotationPctPerCycle),
		})
	}
	if g.ConfirmationCycles < 1 {
		errs = append(errs, ValidationError{
			Field:   "governance.confirmation_cycles",
			Message: "confirmation cycles must be >= 1",
		})
	}
	if g.HysteresisEnterThreshold <= g.HysteresisExitThreshold {
		errs = append(errs, ValidationError{
			Field:   "governance.hysteresis_enter_threshold",
			Message: fmt.Sprintf("enter threshold %.2f must exceed exit threshold %.2f",
				g.HysteresisEnterThreshold, g.HysteresisExitThreshold),
		})
	}
	if g.EmergencyReductionPct <= 0 || g.EmergencyReductionPct > 100 {
		errs = append(errs, ValidationError{
			Field:   "governance.emergency_reduction_pct",
			Message: fmt.Sprintf("emergency reduction %.1f%% outside (0, 100]", g.EmergencyReductionPct),
		})
	}
	if g.StateFile == "" {
		errs = append(errs, ValidationError{
			Field:   "governance.state_file",
			Message: "governor state file path is required",
		})
	}

	return errs
}

func (c *Config) validateSignals() ValidationErrors {
	var errs ValidationErrors

	if c.Signals.CacheDBPath == "" {
		errs = append(errs, ValidationError{
			Field:   "signals.cache_db_path",
			Message: "cache database path is required",
		})
	}
	for name, p := range c.Signals.Providers {
		if p.Enabled && p.TTLSeconds <= 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("signals.providers.%s.ttl_seconds", name),
				Message: "TTL must be positive for an enabled provider",
			})
		}
	}

	return errs
}
