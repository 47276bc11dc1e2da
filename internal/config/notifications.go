package config

// NotificationConfig holds configuration for rotation notifications.
type NotificationConfig struct {
	// Slack configuration for Slack webhook notifications.
	Slack *SlackNotificationConfig `yaml:"slack,omitempty"`

	// Webhooks configuration for custom webhook notifications.
	Webhooks []WebhookNotificationConfig `yaml:"webhooks,omitempty"`
}

// SlackNotificationConfig holds Slack webhook configuration for rotation events.
type SlackNotificationConfig struct {
	// WebhookURL is the Slack incoming webhook URL.
	WebhookURL string `yaml:"webhook_url"`

	// Channel is the Slack channel to post to (optional, uses webhook default).
	Channel string `yaml:"channel,omitempty"`

	// Events specifies which rotation events trigger notifications.
	// Valid values: started, completed, failed, rollback.
	// If empty, all events are sent.
	Events []string `yaml:"events,omitempty"`

	// Mentions specifies who to mention for specific events.
	Mentions *SlackMentions `yaml:"mentions,omitempty"`
}

// SlackMentions defines who to mention for specific event types.
type SlackMentions struct {
	OnFailure  []string `yaml:"on_failure,omitempty"`
	OnRollback []string `yaml:"on_rollback,omitempty"`
}

// WebhookNotificationConfig holds configuration for custom webhook notifications.
type WebhookNotificationConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Events  []string          `yaml:"events,omitempty"`

	// PayloadTemplate is a Go template for the request body.
	// If empty, a default JSON payload is used.
	PayloadTemplate string `yaml:"payload_template,omitempty"`

	Retry *WebhookRetryConfig `yaml:"retry,omitempty"`

	// Timeout in seconds (default: 10).
	TimeoutSeconds int `yaml:"timeout,omitempty"`
}

// WebhookRetryConfig holds retry configuration for webhooks.
type WebhookRetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	Backoff     string `yaml:"backoff,omitempty"`
}

// RollbackConfig tunes the automatic restore of the root secret when the
// new key cannot be confirmed.
type RollbackConfig struct {
	Timeout    Duration `yaml:"timeout,omitempty"`
	MaxRetries *int     `yaml:"maxRetries,omitempty"`
}
