package agent

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is one sampling of host utilization, shaped to match the
// "system" metric payload the relay evaluates thresholds on.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// HostInfo describes the machine for registration.
type HostInfo struct {
	Hostname  string
	OSType    string
	OSVersion string
}

type Collector struct {
	diskPath string
}

func NewCollector() *Collector {
	return &Collector{diskPath: "/"}
}

// Sample reads the current utilization. Individual probe failures leave the
// field at zero rather than aborting the whole sample; a partial reading is
// still worth reporting.
func (c *Collector) Sample() *SystemSnapshot {
	snapshot := &SystemSnapshot{}

	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		snapshot.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.MemoryPercent = vm.UsedPercent
	}
	if usage, err := disk.Usage(c.diskPath); err == nil {
		snapshot.DiskPercent = usage.UsedPercent
	}
	if uptime, err := host.Uptime(); err == nil {
		snapshot.UptimeSeconds = uptime
	}
	return snapshot
}

// Describe reads static host identity for the registration handshake.
func Describe() *HostInfo {
	info := &HostInfo{Hostname: "unknown", OSType: "unknown"}
	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.OSType = hi.OS
		info.OSVersion = hi.PlatformVersion
	}
	return info
}
