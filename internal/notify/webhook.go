// Package notify provides notification services for mining events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nerg-network/nerg-mine/internal/util"
)

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	Enabled      bool
	DiscordURL   string
	TelegramAPI  string // override for tests; defaults to api.telegram.org
	TelegramBot  string
	TelegramChat string
	ServiceName  string
	ServiceURL   string
	Currency     string
}

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifySessionCompleted sends notifications when a mining session
// reaches its natural end
func (n *Notifier) NotifySessionCompleted(userID string, amount float64) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordCompletion(userID, amount)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramCompletion(userID, amount)
	}
}

// NotifySessionFailed sends notifications when a session fails
func (n *Notifier) NotifySessionFailed(userID, reason string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordFailure(userID, reason)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramFailure(userID, reason)
	}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// sendDiscordCompletion sends a session completion notification to Discord
func (n *Notifier) sendDiscordCompletion(userID string, amount float64) {
	embed := DiscordEmbed{
		Title:       "Mining Session Completed",
		Description: fmt.Sprintf("**%s** finished a mining session", n.cfg.ServiceName),
		Color:       0x00FF00, // Green
		Fields: []DiscordField{
			{Name: "User", Value: truncateUser(userID), Inline: true},
			{Name: "Mined", Value: fmt.Sprintf("%.5f %s", amount, n.cfg.Currency), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.ServiceName,
		},
	}

	if n.cfg.ServiceURL != "" {
		embed.URL = n.cfg.ServiceURL
	}

	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordFailure sends a session failure notification to Discord
func (n *Notifier) sendDiscordFailure(userID, reason string) {
	embed := DiscordEmbed{
		Title:       "Mining Session Failed",
		Description: fmt.Sprintf("**%s** session failed", n.cfg.ServiceName),
		Color:       0xFF0000, // Red
		Fields: []DiscordField{
			{Name: "User", Value: truncateUser(userID), Inline: true},
			{Name: "Reason", Value: reason, Inline: false},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer: &DiscordFooter{
			Text: n.cfg.ServiceName,
		},
	}

	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendDiscordMessage sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 2s, 4s, 8s
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited - wait longer
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendTelegramCompletion sends a session completion message to Telegram
func (n *Notifier) sendTelegramCompletion(userID string, amount float64) {
	text := fmt.Sprintf(
		"*Mining Session Completed*\n\n"+
			"User: `%s`\n"+
			"Mined: `%.5f %s`",
		truncateUser(userID), amount, n.cfg.Currency,
	)

	n.sendTelegramMessage(text)
}

// sendTelegramFailure sends a session failure message to Telegram
func (n *Notifier) sendTelegramFailure(userID, reason string) {
	text := fmt.Sprintf(
		"*Mining Session Failed*\n\n"+
			"User: `%s`\n"+
			"Reason: `%s`",
		truncateUser(userID), reason,
	)

	n.sendTelegramMessage(text)
}

// sendTelegramMessage sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessage(text string) {
	api := n.cfg.TelegramAPI
	if api == "" {
		api = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", api, n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryBaseDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}

		resp.Body.Close()

		if resp.StatusCode < 400 {
			return // Success
		}

		// Rate limited
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", MaxRetries, lastErr)
	}
}

// truncateUser shortens long user identifiers for display
func truncateUser(userID string) string {
	if len(userID) <= 12 {
		return userID
	}
	return userID[:12] + "..."
}
