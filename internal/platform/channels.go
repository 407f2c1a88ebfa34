package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

const notifyTimeout = 10 * time.Second

// notifyClient is a dedicated HTTP client for outbound notifications.
// Separate from http.DefaultClient to avoid shared state and cap redirects.
var notifyClient = &http.Client{
	Timeout: notifyTimeout,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// SlackSender posts severity-colored attachments to a Slack incoming webhook.
type SlackSender struct {
	WebhookURL string
}

func (s *SlackSender) Send(ctx context.Context, n Notification) error {
	fields := make([]slack.AttachmentField, 0, len(n.Fields))
	for _, f := range n.Fields {
		fields = append(fields, slack.AttachmentField{Title: f.Title, Value: f.Value, Short: true})
	}
	// Top-level text is what notification previews and threaded clients show;
	// the attachment carries the detail.
	msg := &slack.WebhookMessage{
		Text: n.Title,
		Attachments: []slack.Attachment{{
			Color:  n.Severity.Color(),
			Title:  n.Title,
			Text:   n.Body,
			Fields: fields,
			Footer: "vigil",
			Ts:     json.Number(strconv.FormatInt(n.Time.Unix(), 10)),
		}},
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := slack.PostWebhookContext(ctx, s.WebhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// EmailSender sends notifications via SMTP.
type EmailSender struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

func (e *EmailSender) Send(ctx context.Context, n Notification) error {
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))

	// Sanitize header values to prevent SMTP header injection.
	from := sanitizeHeader(e.From)
	to := make([]string, len(e.To))
	for i, t := range e.To {
		to[i] = sanitizeHeader(t)
	}
	subject := sanitizeHeader(fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Title))

	var body strings.Builder
	body.WriteString(n.Body)
	for _, f := range n.Fields {
		fmt.Fprintf(&body, "\r\n%s: %s", f.Title, f.Value)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s",
		from, strings.Join(to, ", "), subject, n.Time.Format(time.RFC1123Z), body.String())

	// Use a context-aware dialer so SMTP respects cancellation.
	dialer := net.Dialer{Timeout: notifyTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("smtp deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.Username != "" {
		auth := smtp.PlainAuth("", e.Username, e.Password, e.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, t := range to {
		if err := c.Rcpt(t); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// sanitizeHeader strips CR and LF characters to prevent SMTP header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// SMSSender posts to an SMS gateway. Bodies are truncated to 160 runes.
type SMSSender struct {
	URL   string
	From  string
	To    []string
	Token string
}

func (s *SMSSender) Send(ctx context.Context, n Notification) error {
	body := n.Title
	if n.Body != "" {
		body += ": " + n.Body
	}
	if runes := []rune(body); len(runes) > 160 {
		body = string(runes[:160])
	}
	payload, err := json.Marshal(map[string]any{
		"from": s.From,
		"to":   s.To,
		"body": body,
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, s.URL, s.Token, payload, "sms gateway")
}

// WebhookSender posts a JSON payload to each configured URL.
type WebhookSender struct {
	URLs    []string
	Headers map[string]string
	Token   string
}

func (w *WebhookSender) Send(ctx context.Context, n Notification) error {
	fields := make(map[string]string, len(n.Fields))
	for _, f := range n.Fields {
		fields[f.Title] = f.Value
	}
	payload, err := json.Marshal(map[string]any{
		"alert":     n.Key,
		"title":     n.Title,
		"message":   n.Body,
		"severity":  n.Severity,
		"priority":  n.Severity.Priority(),
		"timestamp": n.Time.UTC().Format(time.RFC3339),
		"fields":    fields,
	})
	if err != nil {
		return err
	}
	var firstErr error
	for _, u := range w.URLs {
		if err := w.post(ctx, u, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *WebhookSender) post(ctx context.Context, url string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range w.Headers {
		req.Header.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := notifyClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// PagerDutySender triggers events through the Events API v2.
type PagerDutySender struct {
	RoutingKey string
	Source     string
	URL        string // override for tests; default events API endpoint
}

const pagerdutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

func (p *PagerDutySender) Send(ctx context.Context, n Notification) error {
	details := make(map[string]string, len(n.Fields))
	for _, f := range n.Fields {
		details[f.Title] = f.Value
	}
	payload, err := json.Marshal(map[string]any{
		"routing_key":  p.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    n.Key,
		"payload": map[string]any{
			"summary":        n.Title,
			"source":         p.Source,
			"severity":       pagerdutySeverity(n.Severity),
			"timestamp":      n.Time.UTC().Format(time.RFC3339),
			"custom_details": details,
		},
	})
	if err != nil {
		return err
	}
	u := p.URL
	if u == "" {
		u = pagerdutyEventsURL
	}
	return postJSON(ctx, u, "", payload, "pagerduty")
}

// pagerdutySeverity maps to the four levels the events API accepts.
func pagerdutySeverity(s Severity) string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "error"
	case SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

// DashboardSender publishes onto the in-process hub. Never fails.
type DashboardSender struct {
	Hub *Hub
}

func (d *DashboardSender) Send(_ context.Context, n Notification) error {
	d.Hub.Publish(TopicNotifications, n)
	return nil
}

func postJSON(ctx context.Context, url, token string, payload []byte, what string) error {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := notifyClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", what, resp.StatusCode)
	}
	return nil
}
