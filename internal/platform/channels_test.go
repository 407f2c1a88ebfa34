package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"
)

func captureServer(t *testing.T, status int) (*httptest.Server, <-chan []byte) {
	t.Helper()
	bodies := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, bodies
}

func TestSlackSenderPayload(t *testing.T) {
	srv, bodies := captureServer(t, http.StatusOK)

	s := &SlackSender{WebhookURL: srv.URL}
	n := Notification{
		Key:      "rule-cpu",
		Title:    "cpu high on web-1",
		Body:     "cpu_usage at 97.2",
		Severity: SeverityCritical,
		Time:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Fields:   []Field{{Title: "host", Value: "web-1"}},
	}
	if err := s.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var msg struct {
		Text        string `json:"text"`
		Attachments []struct {
			Color  string `json:"color"`
			Title  string `json:"title"`
			Text   string `json:"text"`
			Footer string `json:"footer"`
			Fields []struct {
				Title string `json:"title"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(<-bodies, &msg); err != nil {
		t.Fatalf("unmarshal webhook body: %v", err)
	}
	if msg.Text != n.Title {
		t.Errorf("top-level text = %q, want %q", msg.Text, n.Title)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(msg.Attachments))
	}
	a := msg.Attachments[0]
	if a.Color != "#dc3545" {
		t.Errorf("color = %q, want critical red", a.Color)
	}
	if a.Title != n.Title || a.Text != n.Body {
		t.Errorf("title/text = %q/%q", a.Title, a.Text)
	}
	if a.Footer != "vigil" {
		t.Errorf("footer = %q, want vigil", a.Footer)
	}
	if len(a.Fields) != 1 || a.Fields[0].Value != "web-1" {
		t.Errorf("fields = %+v", a.Fields)
	}
}

func TestWebhookSenderPayload(t *testing.T) {
	srv, bodies := captureServer(t, http.StatusOK)

	w := &WebhookSender{URLs: []string{srv.URL}, Token: "tok"}
	n := Notification{
		Key:      "rule-mem",
		Title:    "memory high",
		Body:     "above threshold",
		Severity: SeverityHigh,
		Time:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := w.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(<-bodies, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["alert"] != "rule-mem" || payload["severity"] != "high" {
		t.Errorf("payload = %v", payload)
	}
	if payload["priority"] != "high" {
		t.Errorf("priority = %v, want high", payload["priority"])
	}
	if payload["timestamp"] != "2025-01-01T12:00:00Z" {
		t.Errorf("timestamp = %v", payload["timestamp"])
	}
}

func TestWebhookSenderRejectsErrorStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway)

	w := &WebhookSender{URLs: []string{srv.URL}}
	if err := w.Send(context.Background(), Notification{Key: "k"}); err == nil {
		t.Error("Send should fail on 502")
	}
}

func TestSMSSenderTruncates(t *testing.T) {
	srv, bodies := captureServer(t, http.StatusOK)

	s := &SMSSender{URL: srv.URL, From: "vigil", To: []string{"+15550100"}}
	long := make([]byte, 0, 300)
	for range 300 {
		long = append(long, 'x')
	}
	n := Notification{Title: "disk full", Body: string(long)}
	if err := s.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(<-bodies, &payload); err != nil {
		t.Fatal(err)
	}
	if got := utf8.RuneCountInString(payload.Body); got != 160 {
		t.Errorf("body length = %d runes, want 160", got)
	}
}

func TestPagerDutySeverity(t *testing.T) {
	tests := []struct {
		in   Severity
		want string
	}{
		{SeverityCritical, "critical"},
		{SeverityHigh, "error"},
		{SeverityMedium, "warning"},
		{SeverityLow, "info"},
		{SeverityInfo, "info"},
	}
	for _, tt := range tests {
		if got := pagerdutySeverity(tt.in); got != tt.want {
			t.Errorf("pagerdutySeverity(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPagerDutySenderPayload(t *testing.T) {
	srv, bodies := captureServer(t, http.StatusAccepted)

	p := &PagerDutySender{RoutingKey: "rk", Source: "host-1", URL: srv.URL}
	n := Notification{Key: "rule-db", Title: "db down", Severity: SeverityCritical}
	if err := p.Send(context.Background(), n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload struct {
		RoutingKey  string `json:"routing_key"`
		EventAction string `json:"event_action"`
		DedupKey    string `json:"dedup_key"`
		Payload     struct {
			Severity string `json:"severity"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(<-bodies, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.RoutingKey != "rk" || payload.EventAction != "trigger" || payload.DedupKey != "rule-db" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Payload.Severity != "critical" {
		t.Errorf("severity = %q, want critical", payload.Payload.Severity)
	}
}

func TestDashboardSenderPublishes(t *testing.T) {
	hub := NewHub()
	sub, ch := hub.Subscribe(TopicNotifications)
	defer hub.Unsubscribe(TopicNotifications, sub)

	d := &DashboardSender{Hub: hub}
	if err := d.Send(context.Background(), Notification{Key: "k", Title: "t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-ch:
		if n, ok := msg.(Notification); !ok || n.Key != "k" {
			t.Errorf("published %+v", msg)
		}
	default:
		t.Fatal("nothing published to hub")
	}
}

func TestSanitizeHeader(t *testing.T) {
	if got := sanitizeHeader("a\r\nBcc: evil@example.com"); got != "aBcc: evil@example.com" {
		t.Errorf("sanitizeHeader = %q", got)
	}
}
