package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/systmms/rootrotate/internal/config"
	"github.com/systmms/rootrotate/internal/logging"
)

// SlackConfig holds configuration for Slack webhook notifications.
type SlackConfig struct {
	// WebhookURL is the Slack incoming webhook URL.
	WebhookURL string

	// Channel is the Slack channel to post to (optional, uses webhook default).
	Channel string

	// Events specifies which rotation events trigger notifications.
	// If empty, all events are sent.
	Events []string

	// Mentions specifies who to mention for specific events.
	Mentions *SlackMentions
}

// SlackMentions defines who to mention for specific event types.
type SlackMentions struct {
	OnFailure  []string
	OnRollback []string
}

// SlackProvider sends rotation notifications to Slack via webhooks.
type SlackProvider struct {
	config SlackConfig
	client *http.Client
}

// NewSlackProvider creates a new Slack notification provider.
func NewSlackProvider(config SlackConfig) *SlackProvider {
	return &SlackProvider{
		config: config,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns the provider name.
func (p *SlackProvider) Name() string {
	return "slack"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *SlackProvider) SupportsEvent(eventType EventType) bool {
	return eventEnabled(p.config.Events, eventType)
}

// Validate checks if the provider configuration is valid.
func (p *SlackProvider) Validate(ctx context.Context) error {
	if p.config.WebhookURL == "" {
		return fmt.Errorf("slack: webhook URL is required")
	}

	parsed, err := url.Parse(p.config.WebhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("slack: invalid webhook URL: %s", p.config.WebhookURL)
	}

	return nil
}

// Send sends a notification to Slack for the given rotation event.
func (p *SlackProvider) Send(ctx context.Context, event RotationEvent) error {
	message := p.buildMessage(event)

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	return nil
}

// buildMessage creates a Block Kit formatted Slack message.
func (p *SlackProvider) buildMessage(event RotationEvent) map[string]interface{} {
	blocks := make([]map[string]interface{}, 0)

	emoji := p.getEventEmoji(event.Type, event.Status)
	title := p.getEventTitle(event.Type, event.Status)
	if event.DryRun {
		title += " (dry run)"
	}
	blocks = append(blocks, map[string]interface{}{
		"type": "header",
		"text": map[string]interface{}{
			"type":  "plain_text",
			"text":  fmt.Sprintf("%s %s", emoji, title),
			"emoji": true,
		},
	})

	blocks = append(blocks, map[string]interface{}{
		"type": "section",
		"fields": []map[string]interface{}{
			mrkdwnField("Cluster", event.ClusterID),
			mrkdwnField("Principal", event.Principal),
		},
	})

	fields := make([]map[string]interface{}, 0)
	if event.NewKeyID != "" {
		fields = append(fields, mrkdwnField("New key", logging.MaskKeyID(event.NewKeyID)))
	}
	if event.PreviousKeyID != "" {
		fields = append(fields, mrkdwnField("Previous key", logging.MaskKeyID(event.PreviousKeyID)))
	}
	if event.Duration > 0 {
		fields = append(fields, mrkdwnField("Duration", event.Duration.Round(time.Millisecond).String()))
	}
	if len(fields) > 0 {
		blocks = append(blocks, map[string]interface{}{
			"type":   "section",
			"fields": fields,
		})
	}

	if event.Type == EventTypeRollback {
		if text, err := RenderRollback(NewTemplateDataFromEvent(event)); err == nil {
			blocks = append(blocks, map[string]interface{}{
				"type": "section",
				"text": map[string]interface{}{
					"type": "mrkdwn",
					"text": fmt.Sprintf("```%s```", text),
				},
			})
		}
	} else if event.Error != nil {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf(":warning: *Error:*\n```%s```", event.Error.Error()),
			},
		})
	}

	if mentions := p.getMentions(event); mentions != "" {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Attention:* %s", mentions),
			},
		})
	}

	blocks = append(blocks, map[string]interface{}{
		"type": "context",
		"elements": []map[string]interface{}{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("Run `%s` · <!date^%d^{date_short_pretty} at {time}|%s>",
					event.RunID, event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339)),
			},
		},
	})

	blocks = append(blocks, map[string]interface{}{
		"type": "divider",
	})

	message := map[string]interface{}{
		"blocks": blocks,
	}
	if p.config.Channel != "" {
		message["channel"] = p.config.Channel
	}

	return message
}

func mrkdwnField(label, value string) map[string]interface{} {
	return map[string]interface{}{
		"type": "mrkdwn",
		"text": fmt.Sprintf("*%s:*\n%s", label, value),
	}
}

func (p *SlackProvider) getEventEmoji(eventType EventType, status RotationStatus) string {
	switch eventType {
	case EventTypeStarted:
		return ":arrows_counterclockwise:"
	case EventTypeCompleted:
		if status == StatusSuccess {
			return ":white_check_mark:"
		}
		return ":warning:"
	case EventTypeFailed:
		return ":x:"
	case EventTypeRollback:
		return ":rewind:"
	default:
		return ":bell:"
	}
}

func (p *SlackProvider) getEventTitle(eventType EventType, status RotationStatus) string {
	switch eventType {
	case EventTypeStarted:
		return "Root Credential Rotation Started"
	case EventTypeCompleted:
		if status == StatusSuccess {
			return "Root Credential Rotated"
		}
		return "Root Credential Rotated with Warnings"
	case EventTypeFailed:
		return "Root Credential Rotation Failed"
	case EventTypeRollback:
		if status == StatusRolledBack {
			return "Root Secret Restored"
		}
		return "Root Secret Restore Failed"
	default:
		return "Rotation Event"
	}
}

func (p *SlackProvider) getMentions(event RotationEvent) string {
	if p.config.Mentions == nil {
		return ""
	}

	var mentions []string
	switch event.Type {
	case EventTypeFailed:
		mentions = p.config.Mentions.OnFailure
	case EventTypeRollback:
		mentions = p.config.Mentions.OnRollback
	}
	return strings.Join(mentions, " ")
}

// CreateSlackProvider creates a Slack provider from the notifications section
// of rootrotate.yaml.
func CreateSlackProvider(cfg *config.SlackNotificationConfig) (*SlackProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("slack config is nil")
	}

	slackConfig := SlackConfig{
		WebhookURL: cfg.WebhookURL,
		Channel:    cfg.Channel,
		Events:     cfg.Events,
	}
	if cfg.Mentions != nil {
		slackConfig.Mentions = &SlackMentions{
			OnFailure:  cfg.Mentions.OnFailure,
			OnRollback: cfg.Mentions.OnRollback,
		}
	}

	provider := NewSlackProvider(slackConfig)
	if err := provider.Validate(context.Background()); err != nil {
		return nil, err
	}
	return provider, nil
}

// eventEnabled reports whether eventType is in the configured list. An empty
// list enables every event.
func eventEnabled(events []string, eventType EventType) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}
