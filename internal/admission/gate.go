// Package admission implements host resource gating for task dispatch,
// backed by gopsutil host metrics instead of a JMX-style MXBean read.
package admission

import (
	"context"
	"log/slog"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Thresholds bounds the host resource percentages a Gate will still
// allow new task dispatch under.
type Thresholds struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
}

// DefaultThresholds are conservative: stop admitting new work once a
// host is reliably loaded.
var DefaultThresholds = Thresholds{MaxCPUPercent: 85, MaxMemoryPercent: 90}

// Gate implements dagengine.AdmissionControl by sampling host CPU and
// memory usage on every call.
type Gate struct {
	thresholds Thresholds
	logger     *slog.Logger
}

// NewGate constructs a Gate enforcing thresholds.
func NewGate(thresholds Thresholds) *Gate {
	return &Gate{thresholds: thresholds, logger: slog.With("component", "admission.gate")}
}

// CanSubmit implements dagengine.AdmissionControl.
func (g *Gate) CanSubmit(ctx context.Context) bool {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		g.logger.Warn("cpu sample failed, admitting by default", "error", err)
		return true
	}
	if len(percents) > 0 && percents[0] > g.thresholds.MaxCPUPercent {
		g.logger.Debug("admission denied: cpu pressure", "cpu_percent", percents[0])
		return false
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		g.logger.Warn("memory sample failed, admitting by default", "error", err)
		return true
	}
	if vm.UsedPercent > g.thresholds.MaxMemoryPercent {
		g.logger.Debug("admission denied: memory pressure", "mem_percent", vm.UsedPercent)
		return false
	}
	return true
}
