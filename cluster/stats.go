package cluster

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/macrodyne/autod/logger"
)

// QueueGauges is the slice of the execution queue membership needs for
// heartbeat stats.
type QueueGauges interface {
	Len() int
	RunningCount() int
	Completed() uint64
}

// StatsCollector samples local process and host load.
type StatsCollector struct {
	queue   QueueGauges
	proc    *process.Process
	started time.Time
}

// NewStatsCollector creates a collector. queue may be nil in tests.
func NewStatsCollector(queue QueueGauges) *StatsCollector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warnw("Process stats unavailable", "error", err)
		proc = nil
	}
	return &StatsCollector{queue: queue, proc: proc, started: time.Now()}
}

// Collect samples current stats. Sampling errors degrade to zero values
// rather than failing the heartbeat.
func (c *StatsCollector) Collect() Stats {
	s := Stats{UptimeS: int64(time.Since(c.started).Seconds())}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}

	if c.proc != nil {
		if memInfo, err := c.proc.MemoryInfo(); err == nil && memInfo != nil {
			s.MemoryMB = float64(memInfo.RSS) / (1024 * 1024)
		}
	}

	if c.queue != nil {
		s.TasksQueued = c.queue.Len()
		s.TasksRunning = c.queue.RunningCount()
		s.TasksCompleted = c.queue.Completed()
	}
	return s
}
