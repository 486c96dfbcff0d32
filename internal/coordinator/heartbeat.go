package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// RunnerHeartbeater is run on a runner process, sending its own load
// and host stats to a coordinator on RunnerHeartbeatInterval. ActiveFn
// and WarmingFn report the current pool counts.
type RunnerHeartbeater struct {
	RunnerID  string
	ActiveFn  func() int
	WarmingFn func() int

	coordinator *Coordinator

	stop chan struct{}
	done chan struct{}
}

// NewRunnerHeartbeater constructs a heartbeater that reports directly
// against an in-process Coordinator (single-binary deployment).
func NewRunnerHeartbeater(c *Coordinator, runnerID string, activeFn, warmingFn func() int) *RunnerHeartbeater {
	return &RunnerHeartbeater{
		RunnerID:    runnerID,
		ActiveFn:    activeFn,
		WarmingFn:   warmingFn,
		coordinator: c,
	}
}

// Start begins the heartbeat loop.
func (h *RunnerHeartbeater) Start() {
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.loop()
}

// Stop halts the heartbeat loop and waits for it to exit.
func (h *RunnerHeartbeater) Stop() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	<-h.done
}

func (h *RunnerHeartbeater) loop() {
	defer close(h.done)
	ticker := time.NewTicker(RunnerHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *RunnerHeartbeater) beat() {
	cpuPercent, memPercent := sampleHostStats()
	if err := h.coordinator.Heartbeat(h.RunnerID, h.ActiveFn(), h.WarmingFn(), cpuPercent, memPercent); err != nil {
		log.Printf("runner %s: heartbeat failed: %v", h.RunnerID, err)
	}
}

// sampleHostStats reads current CPU and memory utilization via
// gopsutil, defaulting to 0 on either call's failure (a heartbeat
// should never be skipped for a stats-collection error).
func sampleHostStats() (cpuPercent, memPercent float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}
