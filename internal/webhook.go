package internal

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/WelcomerTeam/RealRock/bucketstore"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Embed colours for webhooks.
const (
	EmbedColourKook    = 8775720
	EmbedColourWarning = 16760839
	EmbedColourDanger  = 14431557

	WebhookRateLimitDuration = 5 * time.Second
	WebhookRateLimitLimit    = 5
)

type WebhookMessage struct {
	Content string          `json:"content,omitempty"`
	Embeds  []*WebhookEmbed `json:"embeds,omitempty"`
}

type WebhookEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Footer      *WebhookEmbedFooter `json:"footer,omitempty"`
}

type WebhookEmbedFooter struct {
	Text string `json:"text"`
}

// Webhooks notifies operators through chat webhooks.
type Webhooks struct {
	Logger zerolog.Logger

	URLs []string
	HTTP *http.Client

	buckets *bucketstore.BucketStore
}

func NewWebhooks(logger zerolog.Logger, urls []string) *Webhooks {
	return &Webhooks{
		Logger:  logger.With().Str("component", "webhooks").Logger(),
		URLs:    urls,
		HTTP:    &http.Client{Timeout: DefaultClientHTTPTimeout},
		buckets: bucketstore.NewBucketStore(),
	}
}

// webhookTime returns a formatted time.Time as a time accepted by webhooks.
func webhookTime(_time time.Time) string {
	return _time.Format("2006-01-02T15:04:05Z")
}

// PublishSimpleWebhook is a helper function for creating quicker webhook messages.
func (w *Webhooks) PublishSimpleWebhook(ctx context.Context, title string, description string, footer string, colour int) {
	w.PublishWebhook(ctx, WebhookMessage{
		Embeds: []*WebhookEmbed{
			{
				Title:       title,
				Description: description,
				Color:       colour,
				Timestamp:   webhookTime(time.Now().UTC()),
				Footer: &WebhookEmbedFooter{
					Text: footer,
				},
			},
		},
	})
}

// PublishWebhook sends a webhook message to all configured webhooks.
func (w *Webhooks) PublishWebhook(ctx context.Context, message WebhookMessage) {
	for _, webhook := range w.URLs {
		_, err := w.SendWebhook(ctx, webhook, message)
		if err != nil && !xerrors.Is(err, context.Canceled) {
			w.Logger.Warn().Err(err).Str("url", webhook).Msg("Failed to send webhook")
		}
	}
}

func (w *Webhooks) SendWebhook(ctx context.Context, webhookURL string, message WebhookMessage) (status int, err error) {
	webhookURL = strings.TrimSpace(webhookURL)

	_, err = url.Parse(webhookURL)
	if err != nil {
		return -1, xerrors.Errorf("failed to parse webhook URL: %w", err)
	}

	res, err := json.Marshal(message)
	if err != nil {
		return -1, xerrors.Errorf("failed to marshal webhook message: %w", err)
	}

	_ = w.buckets.CreateWaitForBucket(webhookURL, WebhookRateLimitLimit, WebhookRateLimitDuration)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(res))
	if err != nil {
		return -1, xerrors.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := w.HTTP.Do(req)
	if err != nil {
		return -1, xerrors.Errorf("failed to send webhook: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, xerrors.Errorf("webhook returned %d", resp.StatusCode)
	}

	return resp.StatusCode, nil
}
