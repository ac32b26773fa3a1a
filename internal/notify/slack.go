// Package notify posts batch outcomes to Slack.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
)

// SlackNotifier sends a summary message to an incoming webhook.
type SlackNotifier struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

func NewSlackNotifier(webhookURL string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		url:     webhookURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// BatchMessage renders a batch summary as a webhook message.
func BatchMessage(sum entity.BatchSummary) *slack.WebhookMessage {
	headline := fmt.Sprintf("DDT batch finished: %d/%d processed in %s",
		sum.Processed, sum.Total, sum.Elapsed.Round(time.Second))
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Auto-validated*\n%d", sum.AutoValidated), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Needs review*\n%d", sum.NeedsReview), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Errors*\n%d", sum.Errors), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Skipped*\n%d", sum.Total-sum.Processed), false, false),
	}
	return &slack.WebhookMessage{
		Text: headline,
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "DDT batch finished", false, false)),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, headline, false, false), fields, nil),
		}},
	}
}

// NotifyBatch posts the summary. Failures are logged and returned; callers
// never fail a batch over a notification.
func (n *SlackNotifier) NotifyBatch(ctx context.Context, sum entity.BatchSummary) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.url, n.client, BatchMessage(sum)); err != nil {
		n.logger.Warn("notify.slack.failed", "error", err)
		return err
	}
	n.logger.Info("notify.slack.sent", "processed", sum.Processed, "total", sum.Total)
	return nil
}
