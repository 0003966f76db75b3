// Package sysdiag surfaces host diagnostics for the health dashboard:
// CPU temperature and utilization, uptime, disk and memory usage.
package sysdiag

import (
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Collector reads Linux procfs/sysfs diagnostics. CPU utilization is
// computed from deltas between successive calls, so the first call
// returns nil.
type Collector struct {
	ThermalZone string
	ProcStat    string
	ProcMeminfo string
	ProcUptime  string
	RootPath    string

	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
	primed    bool
}

func NewCollector() *Collector {
	return &Collector{
		ThermalZone: "/sys/class/thermal/thermal_zone0/temp",
		ProcStat:    "/proc/stat",
		ProcMeminfo: "/proc/meminfo",
		ProcUptime:  "/proc/uptime",
		RootPath:    "/",
	}
}

// CPUTempC returns the SoC temperature in °C, NaN when unavailable.
func (c *Collector) CPUTempC() float64 {
	data, err := os.ReadFile(c.ThermalZone)
	if err != nil {
		return math.NaN()
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return math.NaN()
	}
	return milli / 1000.0
}

// UptimeSeconds returns seconds since boot, 0 when unavailable.
func (c *Collector) UptimeSeconds() int64 {
	data, err := os.ReadFile(c.ProcUptime)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	up, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(up)
}

// CPUUtilPct returns the utilization percentage since the previous
// call, or nil on the first call or on parse failure.
func (c *Collector) CPUUtilPct() *float64 {
	data, err := os.ReadFile(c.ProcStat)
	if err != nil {
		return nil
	}
	idle, total, ok := parseCPULine(string(data))
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out *float64
	if c.primed {
		idleD := idle - c.prevIdle
		totalD := total - c.prevTotal
		if totalD > 0 {
			pct := (1.0 - float64(idleD)/float64(totalD)) * 100.0
			pct = math.Round(pct*10) / 10
			out = &pct
		}
	}
	c.prevIdle, c.prevTotal, c.primed = idle, total, true
	return out
}

// parseCPULine extracts idle (idle+iowait) and total jiffies from the
// aggregate "cpu " line of /proc/stat.
func parseCPULine(stat string) (idle, total uint64, ok bool) {
	line, _, _ := strings.Cut(stat, "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	nums := fields[1:]
	if len(nums) > 8 {
		nums = nums[:8]
	}
	vals := make([]uint64, len(nums))
	for i, f := range nums {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		vals[i] = v
		total += v
	}
	idle = vals[3]
	if len(vals) > 4 {
		idle += vals[4]
	}
	return idle, total, true
}

// DiskUsage reports filesystem usage for the root mount.
type DiskUsage struct {
	TotalBytes uint64  `json:"total_bytes"`
	FreeBytes  uint64  `json:"free_bytes"`
	UsedPct    float64 `json:"used_pct"`
}

func (c *Collector) Disk() *DiskUsage {
	var st unix.Statfs_t
	if err := unix.Statfs(c.RootPath, &st); err != nil {
		return nil
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return nil
	}
	used := float64(total-free) / float64(total) * 100.0
	return &DiskUsage{
		TotalBytes: total,
		FreeBytes:  free,
		UsedPct:    math.Round(used*10) / 10,
	}
}

// MemUsage reports memory totals from /proc/meminfo.
type MemUsage struct {
	TotalKB     uint64  `json:"total_kb"`
	AvailableKB uint64  `json:"available_kb"`
	UsedPct     float64 `json:"used_pct"`
}

func (c *Collector) Mem() *MemUsage {
	data, err := os.ReadFile(c.ProcMeminfo)
	if err != nil {
		return nil
	}
	return parseMeminfo(string(data))
}

func parseMeminfo(data string) *MemUsage {
	var total, avail uint64
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	if total == 0 {
		return nil
	}
	used := float64(total-avail) / float64(total) * 100.0
	return &MemUsage{
		TotalKB:     total,
		AvailableKB: avail,
		UsedPct:     math.Round(used*10) / 10,
	}
}

// Hostname returns the system hostname, empty on failure.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
