package monitor

import "time"

// Check states.
const (
	StatusNormal   = "normal"
	StatusHigh     = "high"
	StatusFresh    = "fresh"
	StatusOutdated = "outdated"
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
)

// Thresholds are the limits a sample is judged against. A resource at or
// above its limit is high.
type Thresholds struct {
	CPUPercent    float64       `mapstructure:"cpu_percent"`
	MemoryPercent float64       `mapstructure:"memory_percent"`
	DiskPercent   float64       `mapstructure:"disk_percent"`
	MaxStaleness  time.Duration `mapstructure:"max_staleness"`
}

// DefaultThresholds are 90% for every resource and a day of staleness.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:    90,
		MemoryPercent: 90,
		DiskPercent:   90,
		MaxStaleness:  24 * time.Hour,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CPUPercent <= 0 {
		t.CPUPercent = d.CPUPercent
	}
	if t.MemoryPercent <= 0 {
		t.MemoryPercent = d.MemoryPercent
	}
	if t.DiskPercent <= 0 {
		t.DiskPercent = d.DiskPercent
	}
	if t.MaxStaleness <= 0 {
		t.MaxStaleness = d.MaxStaleness
	}
	return t
}

// Health is the verdict for one sample.
type Health struct {
	Overall         string    `json:"overall"`
	CPU             string    `json:"cpu"`
	Memory          string    `json:"memory"`
	Disk            string    `json:"disk"`
	MirrorFreshness string    `json:"mirror_freshness"`
	SampledAt       time.Time `json:"sampled_at"`
}

// Evaluate judges s against t. Mirror data is outdated when the newest file
// is older than MaxStaleness at now, or when there is no data at all.
func Evaluate(s Sample, t Thresholds, now time.Time) Health {
	t = t.withDefaults()
	h := Health{
		CPU:             level(s.Resources.CPUPercent, t.CPUPercent),
		Memory:          level(s.Resources.MemoryPercent, t.MemoryPercent),
		Disk:            level(s.Resources.DiskPercent, t.DiskPercent),
		MirrorFreshness: StatusFresh,
		SampledAt:       s.Timestamp,
	}
	last := s.Inventory.LastUpdate
	if last.IsZero() || now.Sub(last) > t.MaxStaleness {
		h.MirrorFreshness = StatusOutdated
	}

	h.Overall = StatusHealthy
	if h.CPU != StatusNormal || h.Memory != StatusNormal || h.Disk != StatusNormal || h.MirrorFreshness != StatusFresh {
		h.Overall = StatusWarning
	}
	return h
}

func level(v, limit float64) string {
	if v >= limit {
		return StatusHigh
	}
	return StatusNormal
}
