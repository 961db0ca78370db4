package settings

// DB config keys that override file configuration at runtime.
const (
	// MonthlyBudgetKey overrides costs.monthly_budget.
	MonthlyBudgetKey = "MONTHLY_BUDGET"
	// CostTrackingEnabledKey overrides costs.enabled.
	CostTrackingEnabledKey = "COST_TRACKING_ENABLED"
	// OpenAIModelKey overrides openai.model.
	OpenAIModelKey = "OPENAI_MODEL"
	// OpenAIMaxTokensKey overrides openai.max_tokens.
	OpenAIMaxTokensKey = "OPENAI_MAX_TOKENS"
	// OpenAITemperatureKey overrides openai.temperature.
	OpenAITemperatureKey = "OPENAI_TEMPERATURE"
	// LogRetentionDaysKey overrides retention.log_days.
	LogRetentionDaysKey = "LOG_RETENTION_DAYS"
	// QueueRetentionDaysKey overrides retention.queue_days.
	QueueRetentionDaysKey = "QUEUE_RETENTION_DAYS"
	// QueuePausedKey is the global queue pause flag.
	QueuePausedKey = "QUEUE_PAUSED"

	// DefaultLogRetentionDays is the fallback ledger retention window.
	DefaultLogRetentionDays = 30
	// DefaultQueueRetentionDays is the fallback retention for finished queue jobs.
	DefaultQueueRetentionDays = 7
)
