// Package limits buckets daemon resource usage against configured caps
// (spec.md §5) and offers session and WAL-size threshold checks. Neither
// the runtime nor the executor calls these checks: spawns are not
// rejected on the session cap, and cmd/ojd schedules snapshots from its
// own WAL-size constant.
package limits

import "fmt"

// ResourceLimits are the per-daemon caps spec.md §5 names.
type ResourceLimits struct {
	MaxSessions    int64
	MaxFileHandles int64
	MaxMemoryBytes int64
	MaxWALSizeBytes int64
}

// DefaultLimits returns conservative defaults suitable for a single
// developer workstation.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxSessions:     32,
		MaxFileHandles:  1024,
		MaxMemoryBytes:  2 << 30, // 2 GiB
		MaxWALSizeBytes: 64 << 20, // 64 MiB
	}
}

// ResourceUsage is a point-in-time reading of current consumption against
// ResourceLimits.
type ResourceUsage struct {
	Sessions    int64
	FileHandles int64
	MemoryBytes int64
	WALBytes    int64
}

// UsageLevel buckets a ratio of used/limit into the three bands spec.md §5
// names.
type UsageLevel string

const (
	LevelNormal   UsageLevel = "normal"
	LevelWarning  UsageLevel = "warning"
	LevelCritical UsageLevel = "critical"
)

const (
	warningRatio  = 0.70
	criticalRatio = 0.90
)

// levelFor buckets used/limit. A zero or negative limit is treated as
// unbounded (always Normal) rather than dividing by zero.
func levelFor(used, limit int64) UsageLevel {
	if limit <= 0 {
		return LevelNormal
	}
	ratio := float64(used) / float64(limit)
	switch {
	case ratio >= criticalRatio:
		return LevelCritical
	case ratio >= warningRatio:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// SessionsLevel buckets current session count against MaxSessions.
func (l ResourceLimits) SessionsLevel(u ResourceUsage) UsageLevel {
	return levelFor(u.Sessions, l.MaxSessions)
}

// MemoryLevel buckets current memory usage against MaxMemoryBytes.
func (l ResourceLimits) MemoryLevel(u ResourceUsage) UsageLevel {
	return levelFor(u.MemoryBytes, l.MaxMemoryBytes)
}

// FileHandlesLevel buckets current open file handles against
// MaxFileHandles.
func (l ResourceLimits) FileHandlesLevel(u ResourceUsage) UsageLevel {
	return levelFor(u.FileHandles, l.MaxFileHandles)
}

// Overall returns the worst (highest-severity) level across every tracked
// resource.
func (l ResourceLimits) Overall(u ResourceUsage) UsageLevel {
	levels := []UsageLevel{l.SessionsLevel(u), l.MemoryLevel(u), l.FileHandlesLevel(u)}
	worst := LevelNormal
	for _, lv := range levels {
		if severity(lv) > severity(worst) {
			worst = lv
		}
	}
	return worst
}

func severity(l UsageLevel) int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// WouldExceedSessions reports whether spawning one more session would
// breach MaxSessions. The executor (C8) does not call it before a Spawn
// effect.
func (l ResourceLimits) WouldExceedSessions(u ResourceUsage) bool {
	return l.MaxSessions > 0 && u.Sessions+1 > l.MaxSessions
}

// NeedsWALCompaction reports whether the WAL has grown past the
// configured threshold and a snapshot+truncate should be scheduled.
func (l ResourceLimits) NeedsWALCompaction(u ResourceUsage) bool {
	return l.MaxWALSizeBytes > 0 && u.WALBytes >= l.MaxWALSizeBytes
}

// String renders a usage summary for logs/metrics labels.
func (u ResourceUsage) String() string {
	return fmt.Sprintf("sessions=%d file_handles=%d memory_bytes=%d wal_bytes=%d",
		u.Sessions, u.FileHandles, u.MemoryBytes, u.WALBytes)
}
