package sysmon

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vigil-dev/vigil/internal/platform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu    sync.Mutex
	vals  map[string]float64
	metas map[string]map[string]string
}

func newRecorder() *recorder {
	return &recorder{vals: make(map[string]float64), metas: make(map[string]map[string]string)}
}

func (r *recorder) observe(metric string, v float64, meta map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[metric] = v
	r.metas[metric] = meta
}

func TestCollectEmitsObservations(t *testing.T) {
	rec := newRecorder()
	c := New(Config{}, platform.NewNopSink(testLogger()), rec.observe, testLogger())

	c.Collect(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, m := range []string{"cpu_usage", "memory_usage", "load1", "disk_used_percent"} {
		if _, ok := rec.vals[m]; !ok {
			t.Errorf("missing observation %q", m)
		}
	}
	if v := rec.vals["memory_usage"]; v < 0 || v > 100 {
		t.Errorf("memory_usage = %v, want a percentage", v)
	}
	if rec.metas["cpu_usage"]["host"] == "" {
		t.Error("observations should carry the host")
	}
	if rec.metas["disk_used_percent"]["mount"] != "/" {
		t.Errorf("disk meta = %v", rec.metas["disk_used_percent"])
	}
}

func TestCollectToleratesBadMount(t *testing.T) {
	rec := newRecorder()
	c := New(Config{Mounts: []string{"/definitely/not/mounted"}},
		platform.NewNopSink(testLogger()), rec.observe, testLogger())

	c.Collect(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.vals["disk_used_percent"]; ok {
		t.Error("bad mount should not produce a disk observation")
	}
	if _, ok := rec.vals["cpu_usage"]; !ok {
		t.Error("other probes should still run")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	if cfg.Interval != 30*time.Second {
		t.Errorf("interval = %v", cfg.Interval)
	}
	if len(cfg.Mounts) != 1 || cfg.Mounts[0] != "/" {
		t.Errorf("mounts = %v", cfg.Mounts)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := New(Config{Interval: time.Hour}, platform.NewNopSink(testLogger()), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
