package telemetry

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"relayNode/internal/assembler"
	"relayNode/internal/dispatch"
	"relayNode/internal/state"
)

// HostStats is the relay host's CPU and memory usage in percent.
type HostStats struct {
	CPUUsage float64 `json:"cpu_usage"`
	MEMUsage float64 `json:"mem_usage"`
}

// Report is the payload published in reply to a ping.
type Report struct {
	Node     string          `json:"node"`
	Host     HostStats       `json:"host"`
	Status   state.Status    `json:"status"`
	Frames   assembler.Stats `json:"frames"`
	Dispatch dispatch.Stats  `json:"dispatch"`
	Time     time.Time       `json:"time"`
}

// hostSampleWindow is how long CPU usage is sampled for each report.
const hostSampleWindow = 200 * time.Millisecond

// getHostStats returns CPU (%) and RAM (%) usage.
func getHostStats() (HostStats, error) {
	hs := HostStats{}

	cpuPercent, err := cpu.Percent(hostSampleWindow, false)
	if err != nil {
		return hs, fmt.Errorf("failed to read CPU usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		hs.CPUUsage = cpuPercent[0]
	}

	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return hs, fmt.Errorf("failed to read memory usage: %w", err)
	}
	hs.MEMUsage = virtualMem.UsedPercent

	return hs, nil
}
