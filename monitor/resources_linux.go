//go:build linux

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/procfs"
)

// procSampler reads CPU and memory from /proc. CPU is the busy share of
// jiffies since the previous call.
type procSampler struct {
	fs       procfs.FS
	root     string
	mu       sync.Mutex
	prevBusy float64
	prevAll  float64
}

func newSystemSampler(root string, logger *slog.Logger) ResourceSampler {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		logger.Warn("procfs unavailable, reporting cpu and memory as zero", "error", err)
		return diskOnly{root: root}
	}
	return &procSampler{fs: fs, root: root}
}

func (p *procSampler) Sample(ctx context.Context) (Resources, error) {
	var res Resources

	stat, err := p.fs.Stat()
	if err != nil {
		return Resources{}, fmt.Errorf("reading /proc/stat: %w", err)
	}
	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	all := c.User + c.Nice + c.System + idle + c.IRQ + c.SoftIRQ + c.Steal
	busy := all - idle

	p.mu.Lock()
	dAll, dBusy := all-p.prevAll, busy-p.prevBusy
	p.prevAll, p.prevBusy = all, busy
	p.mu.Unlock()
	if dAll > 0 {
		res.CPUPercent = clampPercent(dBusy / dAll * 100)
	}

	mi, err := p.fs.Meminfo()
	if err != nil {
		return Resources{}, fmt.Errorf("reading /proc/meminfo: %w", err)
	}
	if mi.MemTotal != nil && mi.MemAvailable != nil && *mi.MemTotal > 0 {
		used := float64(*mi.MemTotal - min(*mi.MemAvailable, *mi.MemTotal))
		res.MemoryPercent = clampPercent(used / float64(*mi.MemTotal) * 100)
	}

	res.DiskPercent, err = diskPercent(p.root)
	if err != nil {
		return Resources{}, err
	}
	return res, nil
}
