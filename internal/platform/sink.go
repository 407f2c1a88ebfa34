package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Conventional sink databases.
const (
	DBAlerting    = "alerting"
	DBResources   = "resource_monitoring"
	DBMaintenance = "maintenance_automation"
	DBRecovery    = "disaster_recovery"
	DBFederation  = "global_federation"
)

// Point is one time-series sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Time        time.Time
}

// SinkConfig configures the metric sink.
type SinkConfig struct {
	URL        string
	Databases  []string
	Timeout    time.Duration // per HTTP call, default 5s
	QueueSize  int           // default 10000
	BatchSize  int           // points per write call, default 500
	FlushEvery time.Duration // default 1s
}

// Sink persists points to an InfluxDB-compatible endpoint over the line
// protocol and serves recent-window queries. Writes are asynchronous and
// best-effort: a full queue, an open breaker, or a failed bootstrap drops
// points rather than blocking or failing callers.
type Sink struct {
	logger   *slog.Logger
	base     string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	batch    int
	flush    time.Duration
	degraded bool

	queue    chan write
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type write struct {
	db    string
	point Point
}

// NewSink verifies connectivity and creates the configured databases. If
// bootstrap fails the sink degrades to a no-op: writes are dropped and
// counted, queries yield nothing, and the plane keeps running.
func NewSink(ctx context.Context, cfg SinkConfig, logger *slog.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	s := &Sink{
		logger:  logger.With("component", "sink"),
		base:    strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		timeout: cfg.Timeout,
		batch:   cfg.BatchSize,
		flush:   cfg.FlushEvery,
		queue:   make(chan write, cfg.QueueSize),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sink",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			s.logger.Warn("sink breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	if err := s.bootstrap(ctx, cfg.Databases); err != nil {
		s.logger.Error("sink unavailable, metric persistence disabled", "url", cfg.URL, "error", err)
		s.degraded = true
		return s
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// NewNopSink returns a sink that drops every write and answers every query
// with an empty sequence. Used when metric persistence is disabled.
func NewNopSink(logger *slog.Logger) *Sink {
	return &Sink{
		logger:   logger.With("component", "sink"),
		degraded: true,
	}
}

func (s *Sink) bootstrap(ctx context.Context, dbs []string) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	for _, db := range dbs {
		if err := s.exec(ctx, fmt.Sprintf("CREATE DATABASE %q", db)); err != nil {
			return fmt.Errorf("create database %s: %w", db, err)
		}
	}
	return nil
}

// Ping probes the sink endpoint.
func (s *Sink) Ping(ctx context.Context) error {
	if s.degraded {
		return errors.New("sink degraded")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink ping: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink ping returned %d", resp.StatusCode)
	}
	return nil
}

// Write queues points for asynchronous persistence. Never blocks; drops are
// counted, not reported.
func (s *Sink) Write(db string, points ...Point) {
	if s.degraded {
		SinkPointsDropped.Add(float64(len(points)))
		return
	}
	for _, p := range points {
		select {
		case s.queue <- write{db: db, point: p}:
		default:
			SinkPointsDropped.Inc()
		}
	}
}

// Stop flushes and stops the writer. Call only after all producers have
// stopped writing.
func (s *Sink) Stop() {
	if s.degraded {
		return
	}
	s.stopOnce.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *Sink) run() {
	defer s.wg.Done()
	t := time.NewTicker(s.flush)
	defer t.Stop()

	pending := make(map[string][]Point)
	n := 0
	flushAll := func() {
		for db, pts := range pending {
			s.post(db, pts)
		}
		clear(pending)
		n = 0
	}

	for {
		select {
		case w, ok := <-s.queue:
			if !ok {
				flushAll()
				return
			}
			pending[w.db] = append(pending[w.db], w.point)
			n++
			if n >= s.batch {
				flushAll()
			}
		case <-t.C:
			if n > 0 {
				flushAll()
			}
		}
	}
}

func (s *Sink) post(db string, points []Point) {
	body := encodeLineProtocol(points)
	_, err := s.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		u := s.base + "/write?db=" + url.QueryEscape(db)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("sink returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		SinkPointsDropped.Add(float64(len(points)))
		if !errors.Is(err, gobreaker.ErrOpenState) {
			s.logger.Warn("sink write failed", "db", db, "points", len(points), "error", err)
		}
		return
	}
	SinkPointsWritten.Add(float64(len(points)))
}

func (s *Sink) exec(ctx context.Context, q string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	form := url.Values{"q": {q}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/query", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink query returned %d", resp.StatusCode)
	}
	return nil
}

// QueryRecent returns points for measurement within the trailing window,
// oldest first, optionally filtered by tag equality. Any failure logs a
// warning and yields an empty sequence.
func (s *Sink) QueryRecent(ctx context.Context, db, measurement string, window time.Duration, tags map[string]string) iter.Seq[Point] {
	return func(yield func(Point) bool) {
		if s.degraded {
			return
		}
		series, err := s.query(ctx, db, buildSelect(measurement, window, tags))
		if err != nil {
			s.logger.Warn("sink query failed", "db", db, "measurement", measurement, "error", err)
			return
		}
		for _, sr := range series {
			for _, row := range sr.Values {
				p, ok := decodeRow(sr, row)
				if !ok {
					continue
				}
				if !yield(p) {
					return
				}
			}
		}
	}
}

func buildSelect(measurement string, window time.Duration, tags map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %q WHERE time > now() - %ds", measurement, max(int64(window.Seconds()), 1))
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " AND %q = '%s'", k, strings.ReplaceAll(tags[k], "'", `\'`))
	}
	b.WriteString(" ORDER BY time ASC")
	return b.String()
}

type querySeries struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags"`
	Columns []string          `json:"columns"`
	Values  [][]any           `json:"values"`
}

func (s *Sink) query(ctx context.Context, db, q string) ([]querySeries, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	u := s.base + "/query?db=" + url.QueryEscape(db) + "&epoch=ns&q=" + url.QueryEscape(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("sink returned %d", resp.StatusCode)
	}

	var out struct {
		Results []struct {
			Series []querySeries `json:"series"`
			Err    string        `json:"error"`
		} `json:"results"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	var series []querySeries
	for _, r := range out.Results {
		if r.Err != "" {
			return nil, errors.New(r.Err)
		}
		series = append(series, r.Series...)
	}
	return series, nil
}

// decodeRow maps one result row onto a Point. Numeric columns become fields,
// string columns become tags, the time column becomes the timestamp.
func decodeRow(sr querySeries, row []any) (Point, bool) {
	if len(row) != len(sr.Columns) {
		return Point{}, false
	}
	p := Point{
		Measurement: sr.Name,
		Tags:        map[string]string{},
		Fields:      map[string]float64{},
	}
	for k, v := range sr.Tags {
		p.Tags[k] = v
	}
	for i, col := range sr.Columns {
		switch v := row[i].(type) {
		case json.Number:
			if col == "time" {
				ns, err := v.Int64()
				if err != nil {
					return Point{}, false
				}
				p.Time = time.Unix(0, ns).UTC()
				continue
			}
			f, err := v.Float64()
			if err != nil {
				continue
			}
			p.Fields[col] = f
		case string:
			p.Tags[col] = v
		}
	}
	return p, !p.Time.IsZero()
}

var lineEscaper = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)

func encodeLineProtocol(points []Point) string {
	var b strings.Builder
	for _, p := range points {
		if p.Measurement == "" || len(p.Fields) == 0 {
			continue
		}
		b.WriteString(lineEscaper.Replace(p.Measurement))
		for _, k := range sortedKeys(p.Tags) {
			if p.Tags[k] == "" {
				continue
			}
			b.WriteByte(',')
			b.WriteString(lineEscaper.Replace(k))
			b.WriteByte('=')
			b.WriteString(lineEscaper.Replace(p.Tags[k]))
		}
		b.WriteByte(' ')
		for i, k := range sortedKeys(p.Fields) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(lineEscaper.Replace(k))
			b.WriteByte('=')
			b.WriteString(strconv.FormatFloat(p.Fields[k], 'f', -1, 64))
		}
		ts := p.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
		b.WriteByte('\n')
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
