package metrics

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/scriptbridge/bridged/internal/pool"
)

// Health statuses, ordered by severity.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// HealthLimits holds the thresholds the health view judges against.
type HealthLimits struct {
	MaxHandles            int
	WarnErrorRate         float64
	FailErrorRate         float64
	MaxHandleAge          time.Duration
	WarnMemoryUsedPercent float64
	FailMemoryUsedPercent float64
}

// DefaultHealthLimits mirrors the daemon's default pool and error budgets.
func DefaultHealthLimits() HealthLimits {
	return HealthLimits{
		MaxHandles:            1000,
		WarnErrorRate:         0.10,
		FailErrorRate:         0.50,
		MaxHandleAge:          24 * time.Hour,
		WarnMemoryUsedPercent: 85,
		FailMemoryUsedPercent: 95,
	}
}

// Check is one subsystem verdict.
type Check struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthReport aggregates subsystem checks; Status is the worst verdict.
type HealthReport struct {
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// ResourceUsage is the process/system view attached to performance output.
type ResourceUsage struct {
	RSSBytes          uint64  `json:"rss_bytes"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	Goroutines        int     `json:"goroutines"`
}

// Health derives pass/warn/fail per subsystem from the same counters the
// snapshot exposes plus pool occupancy and host memory pressure.
func (c *Collector) Health(ps pool.Stats, lim HealthLimits) HealthReport {
	snap := c.Snapshot()
	report := HealthReport{Status: StatusPass, Checks: make(map[string]Check)}

	saturation := Check{Status: StatusPass, Detail: fmt.Sprintf("%d handles", ps.Total)}
	if lim.MaxHandles > 0 {
		switch {
		case ps.Total >= lim.MaxHandles:
			saturation.Status = StatusFail
			saturation.Detail = fmt.Sprintf("pool saturated: %d of %d handles", ps.Total, lim.MaxHandles)
		case ps.Total*10 >= lim.MaxHandles*8:
			saturation.Status = StatusWarn
			saturation.Detail = fmt.Sprintf("pool nearing limit: %d of %d handles", ps.Total, lim.MaxHandles)
		}
	}
	report.add("pool_saturation", saturation)

	errCheck := Check{Status: StatusPass, Detail: fmt.Sprintf("error rate %.3f", snap.ErrorRate)}
	switch {
	case lim.FailErrorRate > 0 && snap.ErrorRate >= lim.FailErrorRate && snap.TotalRequests > 0:
		errCheck.Status = StatusFail
	case lim.WarnErrorRate > 0 && snap.ErrorRate >= lim.WarnErrorRate && snap.TotalRequests > 0:
		errCheck.Status = StatusWarn
	}
	report.add("error_rate", errCheck)

	ageCheck := Check{Status: StatusPass, Detail: fmt.Sprintf("oldest handle %.0fs", ps.Oldest.Seconds())}
	if lim.MaxHandleAge > 0 && ps.Oldest > lim.MaxHandleAge {
		ageCheck.Status = StatusWarn
		ageCheck.Detail = fmt.Sprintf("oldest handle %.0fs exceeds %.0fs", ps.Oldest.Seconds(), lim.MaxHandleAge.Seconds())
	}
	report.add("resource_age", ageCheck)

	if vm, err := mem.VirtualMemory(); err == nil {
		memCheck := Check{Status: StatusPass, Detail: fmt.Sprintf("memory used %.1f%%", vm.UsedPercent)}
		switch {
		case lim.FailMemoryUsedPercent > 0 && vm.UsedPercent >= lim.FailMemoryUsedPercent:
			memCheck.Status = StatusFail
		case lim.WarnMemoryUsedPercent > 0 && vm.UsedPercent >= lim.WarnMemoryUsedPercent:
			memCheck.Status = StatusWarn
		}
		report.add("memory", memCheck)
	}

	return report
}

func (r *HealthReport) add(name string, c Check) {
	r.Checks[name] = c
	if worse(c.Status, r.Status) {
		r.Status = c.Status
	}
}

func worse(a, b string) bool {
	rank := func(s string) int {
		switch s {
		case StatusFail:
			return 2
		case StatusWarn:
			return 1
		default:
			return 0
		}
	}
	return rank(a) > rank(b)
}

// Usage samples the daemon's own process plus host memory. Errors degrade
// to zero values; health output never fails a request because a probe did.
func Usage(goroutines int) ResourceUsage {
	usage := ResourceUsage{Goroutines: goroutines}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			usage.RSSBytes = info.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			usage.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		usage.MemoryUsedPercent = vm.UsedPercent
	}
	return usage
}
