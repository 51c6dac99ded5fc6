//go:build unix

package subprocess

import (
	"syscall"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is the resource-usage snapshot captured at reap time,
// derived from the kernel's rusage structure, plus a best-effort
// extended snapshot (Extended, possibly nil) gathered via gopsutil
// while the PID is still resolvable.
type ResourceUsage struct {
	UserTime   time.Duration
	SystemTime time.Duration
	MaxRSS     int64
	Extended   *ExtendedUsage
}

// ExtendedUsage is a supplemental, best-effort resource snapshot. Its
// absence (a nil *ExtendedUsage on ResourceUsage) is never an error;
// it's a nicety layered over the POSIX rusage the spec requires.
type ExtendedUsage struct {
	RSSBytes   uint64
	CPUPercent float64
}

func newResourceUsage(ru *syscall.Rusage, pid int) *ResourceUsage {
	u := &ResourceUsage{
		UserTime:   time.Duration(ru.Utime.Nano()),
		SystemTime: time.Duration(ru.Stime.Nano()),
		MaxRSS:     int64(ru.Maxrss),
	}
	u.Extended = collectExtendedUsage(pid)
	return u
}

// collectExtendedUsage attempts a gopsutil snapshot for pid. Called at
// reap time, when the process is usually already gone from /proc, so
// failure is expected and silently tolerated rather than surfaced.
func collectExtendedUsage(pid int) *ExtendedUsage {
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var rss uint64
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	cpuPercent, _ := proc.CPUPercent()
	if rss == 0 && cpuPercent == 0 {
		return nil
	}
	return &ExtendedUsage{RSSBytes: rss, CPUPercent: cpuPercent}
}
