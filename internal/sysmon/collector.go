// Package sysmon samples host CPU, memory, load, and disk usage and feeds
// them to the metric sink and alert evaluation.
package sysmon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/vigil-dev/vigil/internal/platform"
)

// ObserveFunc feeds a host sample into alert evaluation.
type ObserveFunc func(metric string, value float64, meta map[string]string)

// Config tunes host sampling.
type Config struct {
	Interval time.Duration // default 30s
	Mounts   []string      // filesystems to report, default ["/"]
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if len(c.Mounts) == 0 {
		c.Mounts = []string{"/"}
	}
}

// Collector periodically samples the host. Individual probes fail
// independently; a bad mount never stops CPU sampling.
type Collector struct {
	logger  *slog.Logger
	sink    *platform.Sink
	observe ObserveFunc
	cfg     Config
	host    string
	now     func() time.Time
}

// New creates a host collector. The hostname tags every point.
func New(cfg Config, sink *platform.Sink, observe ObserveFunc, logger *slog.Logger) *Collector {
	cfg.setDefaults()
	if observe == nil {
		observe = func(string, float64, map[string]string) {}
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Collector{
		logger:  logger.With("component", "sysmon"),
		sink:    sink,
		observe: observe,
		cfg:     cfg,
		host:    host,
		now:     time.Now,
	}
}

// Run samples on the configured interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample of everything.
func (c *Collector) Collect(ctx context.Context) {
	now := c.now()
	meta := map[string]string{"host": c.host}

	// Interval 0 measures usage since the previous call, which matches the
	// sampling loop cadence.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Warn("cpu sample failed", "error", err)
	} else if len(percents) > 0 {
		usage := percents[0]
		c.sink.Write(platform.DBResources, platform.Point{
			Measurement: "cpu",
			Tags:        map[string]string{"host": c.host},
			Fields:      map[string]float64{"usage_percent": usage},
			Time:        now,
		})
		c.observe("cpu_usage", usage, meta)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("memory sample failed", "error", err)
	} else {
		c.sink.Write(platform.DBResources, platform.Point{
			Measurement: "memory",
			Tags:        map[string]string{"host": c.host},
			Fields: map[string]float64{
				"used_percent":    vm.UsedPercent,
				"used_bytes":      float64(vm.Used),
				"available_bytes": float64(vm.Available),
				"total_bytes":     float64(vm.Total),
			},
			Time: now,
		})
		c.observe("memory_usage", vm.UsedPercent, meta)
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		c.logger.Warn("load sample failed", "error", err)
	} else {
		c.sink.Write(platform.DBResources, platform.Point{
			Measurement: "load",
			Tags:        map[string]string{"host": c.host},
			Fields: map[string]float64{
				"load1":  avg.Load1,
				"load5":  avg.Load5,
				"load15": avg.Load15,
			},
			Time: now,
		})
		c.observe("load1", avg.Load1, meta)
	}

	for _, mount := range c.cfg.Mounts {
		usage, err := disk.UsageWithContext(ctx, mount)
		if err != nil {
			c.logger.Warn("disk sample failed", "mount", mount, "error", err)
			continue
		}
		c.sink.Write(platform.DBResources, platform.Point{
			Measurement: "disk",
			Tags:        map[string]string{"host": c.host, "mount": mount},
			Fields: map[string]float64{
				"used_percent": usage.UsedPercent,
				"free_bytes":   float64(usage.Free),
				"total_bytes":  float64(usage.Total),
			},
			Time: now,
		})
		c.observe("disk_used_percent", usage.UsedPercent, map[string]string{
			"host":  c.host,
			"mount": mount,
		})
	}
}
