package worker

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Monitor observes job processing outcomes. Implementations must be safe for
// concurrent use.
type Monitor interface {
	JobStarted(queueName string, jobID string)
	JobSucceeded(queueName string, jobID string, elapsed time.Duration)
	JobFailed(queueName string, jobID string, elapsed time.Duration, err error)
}

// LogMonitor writes job outcomes to a structured logger.
type LogMonitor struct {
	logger *slog.Logger
}

// NewLogMonitor creates a monitor logging through the given logger.
func NewLogMonitor(logger *slog.Logger) *LogMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMonitor{logger: logger}
}

func (m *LogMonitor) JobStarted(queueName, jobID string) {
	m.logger.Debug("job started", "queue", queueName, "job", jobID)
}

func (m *LogMonitor) JobSucceeded(queueName, jobID string, elapsed time.Duration) {
	m.logger.Info("job succeeded", "queue", queueName, "job", jobID, "elapsed", elapsed)
}

func (m *LogMonitor) JobFailed(queueName, jobID string, elapsed time.Duration, err error) {
	m.logger.Error("job failed", "queue", queueName, "job", jobID, "elapsed", elapsed, "err", err)
}

// QueueCounters is a point-in-time snapshot of one queue's processing totals.
type QueueCounters struct {
	Started   int64 `json:"started"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

type counterCell struct {
	started   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// MetricsMonitor accumulates per-queue counters for the health endpoint.
// Queues must be registered up front; counting is lock-free.
type MetricsMonitor struct {
	cells map[string]*counterCell
}

// NewMetricsMonitor creates a monitor tracking the named queues.
func NewMetricsMonitor(queues []string) *MetricsMonitor {
	cells := make(map[string]*counterCell, len(queues))
	for _, q := range queues {
		cells[q] = &counterCell{}
	}
	return &MetricsMonitor{cells: cells}
}

func (m *MetricsMonitor) JobStarted(queueName, jobID string) {
	if c, ok := m.cells[queueName]; ok {
		c.started.Add(1)
	}
}

func (m *MetricsMonitor) JobSucceeded(queueName, jobID string, elapsed time.Duration) {
	if c, ok := m.cells[queueName]; ok {
		c.succeeded.Add(1)
	}
}

func (m *MetricsMonitor) JobFailed(queueName, jobID string, elapsed time.Duration, err error) {
	if c, ok := m.cells[queueName]; ok {
		c.failed.Add(1)
	}
}

// Snapshot returns the current counters for every tracked queue.
func (m *MetricsMonitor) Snapshot() map[string]QueueCounters {
	out := make(map[string]QueueCounters, len(m.cells))
	for q, c := range m.cells {
		out[q] = QueueCounters{
			Started:   c.started.Load(),
			Succeeded: c.succeeded.Load(),
			Failed:    c.failed.Load(),
		}
	}
	return out
}

// MultiMonitor fans observations out to several monitors.
type MultiMonitor []Monitor

func (m MultiMonitor) JobStarted(queueName, jobID string) {
	for _, mon := range m {
		mon.JobStarted(queueName, jobID)
	}
}

func (m MultiMonitor) JobSucceeded(queueName, jobID string, elapsed time.Duration) {
	for _, mon := range m {
		mon.JobSucceeded(queueName, jobID, elapsed)
	}
}

func (m MultiMonitor) JobFailed(queueName, jobID string, elapsed time.Duration, err error) {
	for _, mon := range m {
		mon.JobFailed(queueName, jobID, elapsed, err)
	}
}
