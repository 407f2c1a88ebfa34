package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Channel names a notification destination type.
type Channel string

// Supported channels.
const (
	ChannelSlack     Channel = "slack"
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelWebhook   Channel = "webhook"
	ChannelPagerDuty Channel = "pagerduty"
	ChannelDashboard Channel = "dashboard"
)

// ParseChannel validates a channel name from config.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelSlack, ChannelEmail, ChannelSMS, ChannelWebhook, ChannelPagerDuty, ChannelDashboard:
		return c, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Severity classifies alerts and notifications.
type Severity string

// Severity levels, highest first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ParseSeverity validates a severity from config.
func ParseSeverity(s string) (Severity, error) {
	switch sv := Severity(s); sv {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return sv, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Color returns the display color for channels that render one.
func (s Severity) Color() string {
	switch s {
	case SeverityCritical:
		return "#dc3545"
	case SeverityHigh:
		return "#fd7e14"
	case SeverityMedium:
		return "#ffc107"
	default:
		return "#28a745"
	}
}

// Priority returns the dispatch priority class for the severity.
func (s Severity) Priority() string {
	switch s {
	case SeverityCritical, SeverityHigh:
		return "high"
	case SeverityMedium:
		return "normal"
	default:
		return "low"
	}
}

// Field is a structured detail rendered by channels that support it.
type Field struct {
	Title string
	Value string
}

// Notification is one routable message. Key identifies the originating rule
// or source and scopes rate limiting.
type Notification struct {
	Key      string
	Title    string
	Body     string
	Severity Severity
	Time     time.Time
	Fields   []Field
	Channels []Channel
	// Suppress, when positive, replaces the default rate-limit window with
	// an at-most-once-per-Suppress cap for this key.
	Suppress time.Duration
}

// Delivery records one attempted send.
type Delivery struct {
	Time     time.Time
	Channel  Channel
	Key      string
	Title    string
	Severity Severity
	OK       bool
	Err      string
}

// Sender delivers a notification to one destination type.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

var errRateLimited = errors.New("rate limited")

// NotifierConfig configures dispatch behavior.
type NotifierConfig struct {
	Defaults     []Channel     // channels used when a notification names none; default [slack]
	QueueSize    int           // default 1000
	HistorySize  int           // default 10000
	Window       time.Duration // rate-limit window, default 10m
	MaxPerWindow int           // sends allowed per window per (channel, key), default 3
}

// Notifier fans notifications out to configured channels. Sends are queued
// and dispatched asynchronously to keep orchestrator loops off the network;
// each delivery is retried up to 3 times and recorded in a bounded history.
type Notifier struct {
	logger   *slog.Logger
	senders  map[Channel]Sender
	defaults []Channel
	queue    chan Notification
	history  *Ring[Delivery]
	limiter  *rateLimiter
	now      func() time.Time

	wg       sync.WaitGroup
	pending  sync.WaitGroup
	stopOnce sync.Once
}

// NewNotifier creates a notifier over the given senders. With no senders,
// Notify becomes a no-op. Call Stop to drain and shut down.
func NewNotifier(cfg NotifierConfig, senders map[Channel]Sender, logger *slog.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10000
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = 3
	}
	defaults := cfg.Defaults
	if len(defaults) == 0 {
		defaults = []Channel{ChannelSlack}
	}
	n := &Notifier{
		logger:   logger.With("component", "notifier"),
		senders:  senders,
		defaults: defaults,
		queue:    make(chan Notification, cfg.QueueSize),
		history:  NewRing[Delivery](cfg.HistorySize),
		limiter:  newRateLimiter(cfg.Window, cfg.MaxPerWindow),
		now:      time.Now,
	}
	if len(senders) > 0 {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// Notify queues a notification for async delivery. If the queue is full the
// notification is dropped with a warning. Never blocks the caller.
func (n *Notifier) Notify(msg Notification) {
	if len(n.senders) == 0 {
		return
	}
	if msg.Time.IsZero() {
		msg.Time = n.now()
	}
	if msg.Title == "" {
		msg.Title = msg.Key
	}
	n.pending.Add(1)
	select {
	case n.queue <- msg:
	default:
		n.pending.Done()
		QueueDrops.WithLabelValues("notifications").Inc()
		n.logger.Warn("notification queue full, dropping", "key", msg.Key, "title", msg.Title)
	}
}

// History returns up to limit deliveries, newest first. limit <= 0 returns
// everything retained.
func (n *Notifier) History(limit int) []Delivery {
	return n.history.Last(limit)
}

// RateLimited reports whether the next send on (channel, key) would be
// suppressed, without consuming a slot.
func (n *Notifier) RateLimited(ch Channel, key string) bool {
	return n.limiter.limited(ch, key, n.now())
}

// Flush waits for all queued notifications to be processed.
func (n *Notifier) Flush() {
	n.pending.Wait()
}

// Stop closes the queue and waits for remaining items to drain. Safe to call
// multiple times.
func (n *Notifier) Stop() {
	if len(n.senders) == 0 {
		return
	}
	n.stopOnce.Do(func() { close(n.queue) })
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for msg := range n.queue {
		n.dispatch(msg)
		n.pending.Done()
	}
}

func (n *Notifier) dispatch(msg Notification) {
	channels := msg.Channels
	if len(channels) == 0 {
		channels = n.defaults
	}
	for _, ch := range channels {
		sender, ok := n.senders[ch]
		if !ok {
			n.record(msg, ch, fmt.Errorf("channel %s not configured", ch))
			n.logger.Error("notification channel not configured", "channel", ch, "key", msg.Key)
			continue
		}
		if !n.limiter.allow(ch, msg.Key, n.now(), msg.Suppress) {
			NotificationsSuppressed.WithLabelValues(string(ch)).Inc()
			n.record(msg, ch, errRateLimited)
			continue
		}
		err := n.sendWithRetry(context.Background(), sender, msg)
		if err != nil {
			NotificationsFailed.WithLabelValues(string(ch)).Inc()
		} else {
			NotificationsSent.WithLabelValues(string(ch)).Inc()
		}
		n.record(msg, ch, err)
	}
}

func (n *Notifier) record(msg Notification, ch Channel, err error) {
	d := Delivery{
		Time:     n.now(),
		Channel:  ch,
		Key:      msg.Key,
		Title:    msg.Title,
		Severity: msg.Severity,
		OK:       err == nil,
	}
	if err != nil {
		d.Err = err.Error()
	}
	n.history.Append(d)
}

// sendWithRetry attempts a send up to 3 times with backoff (1s, 3s).
// Retries abort early if ctx is cancelled.
func (n *Notifier) sendWithRetry(ctx context.Context, s Sender, msg Notification) error {
	backoffs := []time.Duration{1 * time.Second, 3 * time.Second}
	var err error
	for attempt := range 3 {
		err = s.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt < len(backoffs) {
			n.logger.Warn("notification failed, retrying", "key", msg.Key, "error", err, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffs[attempt]):
			}
		}
	}
	n.logger.Error("notification failed after 3 attempts", "key", msg.Key, "error", err)
	return err
}

// rateLimiter caps sends per (channel, key) inside a sliding window.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	sent   map[limitKey][]time.Time
}

type limitKey struct {
	ch  Channel
	key string
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window: window,
		max:    max,
		sent:   make(map[limitKey][]time.Time),
	}
}

// allow records a send if the (channel, key) pair is under its cap. A
// positive override replaces the default window with once-per-override.
func (r *rateLimiter) allow(ch Channel, key string, now time.Time, override time.Duration) bool {
	window, max := r.window, r.max
	if override > 0 {
		window, max = override, 1
	}
	k := limitKey{ch: ch, key: key}

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.prune(k, now, window)
	if len(kept) >= max {
		r.sent[k] = kept
		return false
	}
	r.sent[k] = append(kept, now)
	return true
}

func (r *rateLimiter) limited(ch Channel, key string, now time.Time) bool {
	k := limitKey{ch: ch, key: key}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.prune(k, now, r.window)
	r.sent[k] = kept
	return len(kept) >= r.max
}

// prune drops timestamps outside the window. Caller holds r.mu.
func (r *rateLimiter) prune(k limitKey, now time.Time, window time.Duration) []time.Time {
	kept := r.sent[k][:0]
	for _, t := range r.sent[k] {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	return kept
}
