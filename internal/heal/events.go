package heal

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
)

// debounceWindow caps event-driven assessments per container.
const debounceWindow = 10 * time.Second

// Watcher listens for container lifecycle events and triggers an immediate
// assessment of the affected service. It is an optimization for latency; the
// regular check cycle remains the consistency reconciliation point.
type Watcher struct {
	logger  *slog.Logger
	runtime *DockerRuntime
	orch    *Orchestrator

	// Injectable for tests; production uses the runtime's event stream.
	eventsFn func(ctx context.Context, opts events.ListOptions) (<-chan events.Message, <-chan error)
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time

	done chan struct{} // closed when Run() exits
}

// NewWatcher creates a watcher wired to the runtime's event stream.
func NewWatcher(runtime *DockerRuntime, orch *Orchestrator, logger *slog.Logger) *Watcher {
	w := &Watcher{
		logger:   logger.With("component", "events"),
		runtime:  runtime,
		orch:     orch,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	w.eventsFn = runtime.Events
	return w
}

// Wait blocks until Run() has exited.
func (w *Watcher) Wait() {
	<-w.done
}

// Run consumes the event stream until ctx is cancelled, reconnecting with
// exponential backoff on stream errors.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		start := time.Now()
		err := w.watch(ctx)
		if ctx.Err() != nil {
			return
		}

		// Reset backoff after a long-lived healthy connection.
		if time.Since(start) > maxBackoff {
			backoff = 1 * time.Second
		}

		if err != nil {
			w.logger.Warn("event stream error, reconnecting", "error", err, "backoff", backoff)
		} else {
			w.logger.Info("event stream closed, reconnecting", "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *Watcher) watch(ctx context.Context) error {
	opts := events.ListOptions{
		Filters: filters.NewArgs(filters.Arg("type", "container")),
	}
	msgCh, errCh := w.eventsFn(ctx, opts)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, msg events.Message) {
	action := msg.Action
	// Health probe actions carry suffixes like "health_status: unhealthy".
	// Normalize by taking the prefix before ": ".
	if i := strings.Index(string(action), ": "); i >= 0 {
		action = events.Action(string(action)[:i])
	}
	switch action {
	case events.ActionDie, events.ActionOOM, events.ActionHealthStatus:
	default:
		return
	}

	name := msg.Actor.Attributes["name"]
	if name == "" || !w.runtime.matchFilter(name) {
		return
	}
	if !w.debounce(name) {
		return
	}
	w.logger.Info("container event, assessing", "container", name, "action", string(action))
	w.orch.CheckService(ctx, name)
}

// debounce reports whether an event for name should be acted on, allowing at
// most one per window.
func (w *Watcher) debounce(name string) bool {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSeen[name]; ok && now.Sub(last) < debounceWindow {
		return false
	}
	w.lastSeen[name] = now
	return true
}
