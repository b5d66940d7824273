package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Hyperliquid   HyperliquidConfig   `mapstructure:"hyperliquid"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Risk          RiskConfig          `mapstructure:"risk"`
	Governance    GovernanceConfig    `mapstructure:"governance"`
	Signals       SignalsConfig       `mapstructure:"signals"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// HyperliquidConfig contains venue connection settings
type HyperliquidConfig struct {
	AccountAddress string `mapstructure:"account_address"`
	SecretKey      string `mapstructure:"secret_key"`
	BaseURL        string `mapstructure:"base_url"`
	Testnet        bool   `mapstructure:"testnet"`
}

// LLMConfig contains oracle gateway settings
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"` // "anthropic", "openai", "gateway"
	Endpoint    string  `mapstructure:"endpoint"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TimeoutMS   int     `mapstructure:"timeout_ms"`
	// Per-token prices used to report decision cost
	InputCostPerMTok  float64 `mapstructure:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `mapstructure:"output_cost_per_mtok"`
}

// AgentConfig contains application-level settings
type AgentConfig struct {
	TickIntervalSeconds int     `mapstructure:"tick_interval_seconds"` // fast loop cadence
	MaxRetries          int     `mapstructure:"max_retries"`
	BackoffBase         float64 `mapstructure:"backoff_base"`
	LogLevel            string  `mapstructure:"log_level"`
	LogFormat           string  `mapstructure:"log_format"` // "json" or "console"
}

// RiskConfig contains wallet funding and sizing floors
type RiskConfig struct {
	AutoTransfer             bool    `mapstructure:"auto_transfer"`
	TargetInitialMarginRatio float64 `mapstructure:"target_initial_margin_ratio"`
	MinPerpBalanceUSD        float64 `mapstructure:"min_perp_balance_usd"`
	TargetSpotUSDCBufferUSD  float64 `mapstructure:"target_spot_usdc_buffer_usd"`
	MinOrderNotionalUSD      float64 `mapstructure:"min_order_notional_usd"`
}

// GovernanceConfig contains governor, regime, and tripwire parameters
type GovernanceConfig struct {
	CooldownAfterChangeMinutes    int     `mapstructure:"cooldown_after_change_minutes"`
	MinimumAdvantageOverCostBps   float64 `mapstructure:"minimum_advantage_over_cost_bps"`
	PartialRotationPctPerCycle    float64 `mapstructure:"partial_rotation_pct_per_cycle"`
	ConfirmationCycles            int     `mapstructure:"confirmation_cycles"`
	HysteresisEnterThreshold      float64 `mapstructure:"hysteresis_enter_threshold"`
	HysteresisExitThreshold       float64 `mapstructure:"hysteresis_exit_threshold"`
	EventLockHoursBefore          float64 `mapstructure:"event_lock_hours_before"`
	EventLockHoursAfter           float64 `mapstructure:"event_lock_hours_after"`
	MediumLoopIntervalMinutes     int     `mapstructure:"medium_loop_interval_minutes"`
	SlowLoopIntervalHours         int     `mapstructure:"slow_loop_interval_hours"`
	DailyLossLimitPct             float64 `mapstructure:"daily_loss_limit_pct"`
	MinMarginRatio                float64 `mapstructure:"min_margin_ratio"`
	LiquidationProximityThreshold float64 `mapstructure:"liquidation_proximity_threshold"`
	MaxDataStalenessSeconds       int     `mapstructure:"max_data_staleness_seconds"`
	MaxAPIFailureCount            int     `mapstructure:"max_api_failure_count"`
	EmergencyReductionPct         float64 `mapstructure:"emergency_reduction_pct"`
	StateFile                     string  `mapstructure:"state_file"`
	CompletedPlansFile            string  `mapstructure:"completed_plans_file"`
}

// SignalsConfig contains signal-collection settings
type SignalsConfig struct {
	FastTimeoutSeconds   int                       `mapstructure:"fast_timeout_seconds"`
	MediumTimeoutSeconds int                       `mapstructure:"medium_timeout_seconds"`
	SlowTimeoutSeconds   int                       `mapstructure:"slow_timeout_seconds"`
	CacheDBPath          string                    `mapstructure:"cache_db_path"`
	SweepIntervalSeconds int                       `mapstructure:"sweep_interval_seconds"`
	Providers            map[string]ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig contains per-provider settings
type ProviderConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	TTLSeconds        int    `mapstructure:"ttl_seconds"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// ObservabilityConfig contains metrics and snapshot settings
type ObservabilityConfig struct {
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
	SnapshotDir    string `mapstructure:"snapshot_dir"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("HELMSMAN")

	// Secrets override the file regardless of prefix
	_ = v.BindEnv("agent.log_level", "LOG_LEVEL")
	_ = v.BindEnv("hyperliquid.secret_key", "HYPERLIQUID_SECRET")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("signals.providers.unlocks.api_key", "ONCHAIN_API_KEY")
	_ = v.BindEnv("signals.providers.coingecko.api_key", "COINGECKO_API_KEY")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Venue defaults
	v.SetDefault("hyperliquid.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("hyperliquid.testnet", false)

	// LLM defaults
	v.SetDefault("llm.provider", "gateway")
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.timeout_ms", 60000)
	v.SetDefault("llm.input_cost_per_mtok", 3.0)
	v.SetDefault("llm.output_cost_per_mtok", 15.0)

	// Agent defaults
	v.SetDefault("agent.tick_interval_seconds", 10)
	v.SetDefault("agent.max_retries", 5)
	v.SetDefault("agent.backoff_base", 2.0)
	v.SetDefault("agent.log_level", "info")
	v.SetDefault("agent.log_format", "json")

	// Risk defaults
	v.SetDefault("risk.auto_transfer", true)
	v.SetDefault("risk.target_initial_margin_ratio", 1.5)
	v.SetDefault("risk.min_perp_balance_usd", 50.0)
	v.SetDefault("risk.target_spot_usdc_buffer_usd", 10.0)
	v.SetDefault("risk.min_order_notional_usd", 10.0)

	// Governance defaults
	v.SetDefault("governance.cooldown_after_change_minutes", 60)
	v.SetDefault("governance.minimum_advantage_over_cost_bps", 50.0)
	v.SetDefault("governance.partial_rotation_pct_per_cycle", 25.0)
	v.SetDefault("governance.confirmation_cycles", 3)
	v.SetDefault("governance.hysteresis_enter_threshold", 0.7)
	v.SetDefault("governance.hysteresis_exit_threshold", 0.4)
	v.SetDefault("governance.event_lock_hours_before", 24.0)
	v.SetDefault("governance.event_lock_hours_after", 12.0)
	v.SetDefault("governance.medium_loop_interval_minutes", 30)
	v.SetDefault("governance.slow_loop_interval_hours", 24)
	v.SetDefault("governance.daily_loss_limit_pct", 5.0)
	v.SetDefault("governance.min_margin_ratio", 0.10)
	v.SetDefault("governance.liquidation_proximity_threshold", 0.15)
	v.SetDefault("governance.max_data_staleness_seconds", 120)
	v.SetDefault("governance.max_api_failure_count", 5)
	v.SetDefault("governance.emergency_reduction_pct", 50.0)
	v.SetDefault("governance.state_file", "data/governor_state.json")
	v.SetDefault("governance.completed_plans_file", "data/completed_plans.jsonl")

	// Signals defaults
	v.SetDefault("signals.fast_timeout_seconds", 5)
	v.SetDefault("signals.medium_timeout_seconds", 15)
	v.SetDefault("signals.slow_timeout_seconds", 30)
	v.SetDefault("signals.cache_db_path", "data/signal_cache.db")
	v.SetDefault("signals.sweep_interval_seconds", 60)

	v.SetDefault("signals.providers.hyperliquid.enabled", true)
	v.SetDefault("signals.providers.hyperliquid.ttl_seconds", 5)
	v.SetDefault("signals.providers.hyperliquid.requests_per_minute", 600)

	v.SetDefault("signals.providers.coingecko.enabled", true)
	v.SetDefault("signals.providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("signals.providers.coingecko.ttl_seconds", 300)
	v.SetDefault("signals.providers.coingecko.requests_per_minute", 30)

	v.SetDefault("signals.providers.feargreed.enabled", true)
	v.SetDefault("signals.providers.feargreed.base_url", "https://api.alternative.me")
	v.SetDefault("signals.providers.feargreed.ttl_seconds", 3600)
	v.SetDefault("signals.providers.feargreed.requests_per_minute", 10)

	v.SetDefault("signals.providers.unlocks.enabled", false)
	v.SetDefault("signals.providers.unlocks.ttl_seconds", 21600)
	v.SetDefault("signals.providers.unlocks.requests_per_minute", 5)

	v.SetDefault("signals.providers.macro.enabled", true)
	v.SetDefault("signals.providers.macro.ttl_seconds", 21600)
	v.SetDefault("signals.providers.macro.requests_per_minute", 5)

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.prometheus_port", 9100)
	v.SetDefault("observability.snapshot_dir", "data/status")
}

// TickInterval returns the fast-loop cadence as a duration
func (c *AgentConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// MediumInterval returns the medium-loop cadence as a duration
func (c *GovernanceConfig) MediumInterval() time.Duration {
	return time.Duration(c.MediumLoopIntervalMinutes) * time.Minute
}

// SlowInterval returns the slow-loop cadence as a duration
func (c *GovernanceConfig) SlowInterval() time.Duration {
	return time.Duration(c.SlowLoopIntervalHours) * time.Hour
}

// Timeout returns the LLM request timeout as a duration
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// BundleTimeout returns the deadline for a signal bundle of the given kind
func (c *SignalsConfig) BundleTimeout(kind string) time.Duration {
	switch kind {
	case "fast":
		return time.Duration(c.FastTimeoutSeconds) * time.Second
	case "medium":
		return time.Duration(c.MediumTimeoutSeconds) * time.Second
	default:
		return time.Duration(c.SlowTimeoutSeconds) * time.Second
	}
}
