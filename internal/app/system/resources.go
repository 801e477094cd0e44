package system

import (
	"context"
	"time"

	gopsutilcpu "github.com/shirou/gopsutil/v3/cpu"
	gopsutilmem "github.com/shirou/gopsutil/v3/mem"

	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
	"github.com/r3e-network/bpmn-graph-engine/pkg/metrics"
)

// ResourceReporter periodically samples host CPU/memory utilization via
// gopsutil and publishes it as Prometheus gauges, so operators can correlate
// engine throughput with host pressure on the same dashboard.
type ResourceReporter struct {
	interval time.Duration
	log      *logger.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewResourceReporter builds a reporter sampling every interval (default 15s).
func NewResourceReporter(interval time.Duration, log *logger.Logger) *ResourceReporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("resources")
	}
	return &ResourceReporter{interval: interval, log: log}
}

// Descriptor advertises this component's placement.
func (r *ResourceReporter) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "resource-reporter", Domain: "bpmn", Layer: core.LayerData, Capabilities: []string{"host-metrics"}}
}

// Name implements Service.
func (r *ResourceReporter) Name() string { return "resource-reporter" }

// Start begins the sampling loop in the background.
func (r *ResourceReporter) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx)
	return nil
}

// Stop halts the sampling loop.
func (r *ResourceReporter) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *ResourceReporter) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce(ctx)
		}
	}
}

func (r *ResourceReporter) sampleOnce(ctx context.Context) {
	cpuPercents, err := gopsutilcpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		r.log.WithField("error", err).Debug("sample cpu percent")
		return
	}
	vm, err := gopsutilmem.VirtualMemoryWithContext(ctx)
	if err != nil {
		r.log.WithField("error", err).Debug("sample mem percent")
		return
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}
	metrics.SetHostResourceUsage(cpuPercent, vm.UsedPercent)
}
