// Package metrics takes point-in-time system resource snapshots for the
// get_metrics RPC, backed by gopsutil the way arkeep's agent binary uses it
// for its own host-metrics collection.
package metrics

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Summary is the reduced {summary:true} response shape.
type Summary struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// Full is the default, richer response shape.
type Full struct {
	Summary
	LoadAverage1  float64         `json:"load_average_1"`
	LoadAverage5  float64         `json:"load_average_5"`
	LoadAverage15 float64         `json:"load_average_15"`
	Disks         []DiskUsage     `json:"disks"`
}

// DiskUsage reports per-mountpoint usage.
type DiskUsage struct {
	Mountpoint  string  `json:"mountpoint"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Snapshot collects a fresh metrics reading. When summary is true it skips
// the per-disk and load-average collection entirely, returning a bare
// Summary as the result — both shapes marshal to the JSON the get_metrics
// RPC returns directly as its result.
func Snapshot(summary bool) (any, error) {
	cpuPercents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return nil, fmt.Errorf("metrics: cpu percent: %w", err)
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vmStat, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("metrics: virtual memory: %w", err)
	}

	uptime, err := host.Uptime()
	if err != nil {
		return nil, fmt.Errorf("metrics: uptime: %w", err)
	}

	base := Summary{
		CPUPercent:    cpuPct,
		MemPercent:    vmStat.UsedPercent,
		UptimeSeconds: uptime,
	}
	if summary {
		return base, nil
	}

	full := Full{Summary: base}

	if avg, err := load.Avg(); err == nil {
		full.LoadAverage1 = avg.Load1
		full.LoadAverage5 = avg.Load5
		full.LoadAverage15 = avg.Load15
	}

	partitions, err := disk.Partitions(false)
	if err == nil {
		for _, part := range partitions {
			usage, err := disk.Usage(part.Mountpoint)
			if err != nil {
				continue
			}
			full.Disks = append(full.Disks, DiskUsage{
				Mountpoint:  part.Mountpoint,
				TotalBytes:  usage.Total,
				UsedBytes:   usage.Used,
				UsedPercent: usage.UsedPercent,
			})
		}
	}

	return full, nil
}
