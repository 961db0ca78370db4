package config

import "github.com/router-for-me/PageBlocks/internal/settings"

// Runtime resolves values that operators may override through the settings table.
// Each accessor consults the settings snapshot first and falls back to the file value.
type Runtime struct {
	cfg *Config
}

// NewRuntime wraps cfg; a nil cfg uses defaults.
func NewRuntime(cfg *Config) *Runtime {
	if cfg == nil {
		cfg = Default()
	}
	return &Runtime{cfg: cfg}
}

// Config returns the file configuration.
func (r *Runtime) Config() *Config { return r.cfg }

func (r *Runtime) Model() string {
	if v, ok := settings.String(settings.OpenAIModelKey); ok {
		return v
	}
	return r.cfg.OpenAI.Model
}

func (r *Runtime) MaxTokens() int {
	if v, ok := settings.Int(settings.OpenAIMaxTokensKey); ok && v > 0 {
		return v
	}
	return r.cfg.OpenAI.MaxTokens
}

func (r *Runtime) Temperature() float64 {
	if v, ok := settings.Float(settings.OpenAITemperatureKey); ok && v >= 0 && v <= 2 {
		return v
	}
	return r.cfg.OpenAI.Temperature
}

func (r *Runtime) CostTrackingEnabled() bool {
	if v, ok := settings.Bool(settings.CostTrackingEnabledKey); ok {
		return v
	}
	return r.cfg.Costs.Enabled
}

func (r *Runtime) MonthlyBudget() float64 {
	if v, ok := settings.Float(settings.MonthlyBudgetKey); ok && v >= 0 {
		return v
	}
	return r.cfg.Costs.MonthlyBudget
}

func (r *Runtime) LogRetentionDays() int {
	if v, ok := settings.Int(settings.LogRetentionDaysKey); ok && v >= 0 {
		return v
	}
	return r.cfg.Retention.LogDays
}

func (r *Runtime) QueueRetentionDays() int {
	if v, ok := settings.Int(settings.QueueRetentionDaysKey); ok && v >= 0 {
		return v
	}
	return r.cfg.Retention.QueueDays
}

// Prices returns the configured per-million-token prices keyed by model.
func (r *Runtime) Prices() map[string]Price {
	out := make(map[string]Price, len(r.cfg.Costs.Prices))
	for model, price := range r.cfg.Costs.Prices {
		out[model] = price
	}
	return out
}
