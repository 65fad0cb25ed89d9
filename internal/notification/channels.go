package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"security-gateway/internal/config"
	"security-gateway/internal/models"
)

const (
	ChannelEmail   = "EMAIL"
	ChannelWebhook = "WEBHOOK"
	ChannelSlack   = "SLACK"
)

// Sender delivers one notification to an external destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, n models.SecurityNotification) error
}

// ChannelRule decides which notifications a channel receives.
type ChannelRule struct {
	Enabled     bool
	MinSeverity models.Severity
	// Types, when non-empty, restricts the channel to these notification types.
	Types []models.NotificationType
}

func (r ChannelRule) Matches(n models.SecurityNotification) bool {
	if !r.Enabled {
		return false
	}
	if n.Severity.Rank() < r.MinSeverity.Rank() {
		return false
	}
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == n.Type {
			return true
		}
	}
	return false
}

// Route pairs a channel with its matching rule.
type Route struct {
	Rule    ChannelRule
	Channel Sender
}

func RuleFromConfig(c config.ChannelConfig) ChannelRule {
	rule := ChannelRule{
		Enabled:     c.Enabled,
		MinSeverity: models.Severity(strings.ToUpper(c.MinSeverity)),
	}
	for _, t := range c.Types {
		rule.Types = append(rule.Types, models.NotificationType(strings.ToUpper(t)))
	}
	return rule
}

// sesAPI is the subset of the SES v2 client used for delivery.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type EmailSender struct {
	client     sesAPI
	from       string
	recipients []string
}

func NewEmailSender(client sesAPI, from string, recipients []string) *EmailSender {
	return &EmailSender{client: client, from: from, recipients: recipients}
}

func (s *EmailSender) Name() string { return ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n models.SecurityNotification) error {
	if len(s.recipients) == 0 {
		return nil
	}
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: s.recipients},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String("[SECURITY] " + n.Title), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(emailBody(n)), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}

func emailBody(n models.SecurityNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", n.Message)
	fmt.Fprintf(&b, "Severity: %s\n", n.Severity)
	fmt.Fprintf(&b, "Type: %s\n", n.Type)
	fmt.Fprintf(&b, "Time: %s\n", n.CreatedAt.Format(time.RFC3339))
	if n.SourceAddress != "" {
		fmt.Fprintf(&b, "IP: %s\n", n.SourceAddress)
	}
	if n.ActorID != "" {
		fmt.Fprintf(&b, "User: %s\n", n.ActorID)
	}
	if n.TenantID != "" {
		fmt.Fprintf(&b, "Tenant: %s\n", n.TenantID)
	}
	if len(n.Details) > 0 {
		if raw, err := json.MarshalIndent(n.Details, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nDetails:\n%s\n", raw)
		}
	}
	return b.String()
}

// WebhookSender posts the notification as JSON to a URL.
type WebhookSender struct {
	url        string
	authHeader string
	client     *http.Client
	now        func() time.Time
}

func NewWebhookSender(url, authHeader string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, authHeader: authHeader, client: client, now: time.Now}
}

func (s *WebhookSender) Name() string { return ChannelWebhook }

func (s *WebhookSender) Send(ctx context.Context, n models.SecurityNotification) error {
	payload := map[string]interface{}{
		"timestamp":    s.now().UTC().Format(time.RFC3339),
		"notification": n,
	}
	headers := map[string]string{}
	if s.authHeader != "" {
		headers["Authorization"] = s.authHeader
	}
	return postJSON(ctx, s.client, s.url, payload, headers)
}

var severityColors = map[models.Severity]string{
	models.RiskLow:      "#36a64f",
	models.RiskMedium:   "#ff9500",
	models.RiskHigh:     "#ff0000",
	models.RiskCritical: "#8b0000",
}

// SlackSender posts an attachment formatted message to a Slack incoming webhook.
type SlackSender struct {
	url    string
	client *http.Client
}

func NewSlackSender(url string, client *http.Client) *SlackSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackSender{url: url, client: client}
}

func (s *SlackSender) Name() string { return ChannelSlack }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Text      string       `json:"text"`
	Fields    []slackField `json:"fields"`
	Timestamp int64        `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackSender) Send(ctx context.Context, n models.SecurityNotification) error {
	color, ok := severityColors[n.Severity]
	if !ok {
		color = "#808080"
	}
	fields := []slackField{
		{Title: "Severity", Value: string(n.Severity), Short: true},
		{Title: "Type", Value: string(n.Type), Short: true},
		{Title: "Message", Value: n.Message},
	}
	if n.SourceAddress != "" {
		fields = append(fields, slackField{Title: "IP", Value: n.SourceAddress, Short: true})
	}
	msg := slackMessage{
		Text: "Security alert: " + n.Title,
		Attachments: []slackAttachment{{
			Color:     color,
			Title:     n.Title,
			Text:      n.Message,
			Fields:    fields,
			Timestamp: n.CreatedAt.Unix(),
		}},
	}
	return postJSON(ctx, s.client, s.url, msg, nil)
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}, headers map[string]string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Host)
	}
	return nil
}

// BuildRoutes turns channel configuration into delivery routes. Email routes
// are skipped when no SES client is available.
func BuildRoutes(channels []config.ChannelConfig, ses sesAPI, sender string, httpClient *http.Client) []Route {
	var routes []Route
	for _, c := range channels {
		rule := RuleFromConfig(c)
		switch strings.ToUpper(c.Type) {
		case ChannelEmail:
			if ses == nil || len(c.Recipients) == 0 {
				continue
			}
			routes = append(routes, Route{Rule: rule, Channel: NewEmailSender(ses, sender, c.Recipients)})
		case ChannelWebhook:
			routes = append(routes, Route{Rule: rule, Channel: NewWebhookSender(c.URL, c.AuthHeader, httpClient)})
		case ChannelSlack:
			routes = append(routes, Route{Rule: rule, Channel: NewSlackSender(c.URL, httpClient)})
		}
	}
	return routes
}
