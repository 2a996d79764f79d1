package docq

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats is a snapshot of write queue counters since creation.
type QueueStats struct {
	Cycles         uint64
	Rows           uint64
	Conflicts      uint64
	ModifierErrors uint64
	HookErrors     uint64
	WriteErrors    uint64
	Resolved       uint64

	Pending int
	Running bool
}

func (q *WriteQueue) Stats() QueueStats {
	q.mu.Lock()
	pending := 0
	for _, items := range q.pending.items {
		pending += len(items)
	}
	running := q.running
	q.mu.Unlock()

	return QueueStats{
		Cycles:         q.cycles.Load(),
		Rows:           q.rows.Load(),
		Conflicts:      q.conflicts.Load(),
		ModifierErrors: q.modifierErrors.Load(),
		HookErrors:     q.hookErrors.Load(),
		WriteErrors:    q.writeErrors.Load(),
		Resolved:       q.resolved.Load(),
		Pending:        pending,
		Running:        running,
	}
}

type InstanceStats struct {
	Docs      int
	IndexRows int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64

	Writes    uint64
	Conflicts uint64
	Queries   uint64
	Scanned   uint64
}

func (s *InstanceStats) TotalSize() int64 {
	return s.DataSize + s.IndexSize
}

func (s *InstanceStats) TotalAlloc() int64 {
	return s.DataAlloc + s.IndexAlloc
}

func (inst *Instance) Stats() (InstanceStats, error) {
	result := InstanceStats{
		Writes:    inst.writes.Load(),
		Conflicts: inst.conflicts.Load(),
		Queries:   inst.queries.Load(),
		Scanned:   inst.scanned.Load(),
	}

	tx, err := inst.kv.BeginTx(false)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	if data := tx.Bucket(inst.dataBucket); data != nil {
		bs := data.Stats()
		result.Docs = bs.KeyN
		result.DataSize = bs.LeafInuse
		result.DataAlloc = bs.TotalAlloc()
	}
	for _, name := range inst.indexBuckets {
		buck := tx.Bucket(name)
		if buck == nil {
			continue
		}
		bs := buck.Stats()
		result.IndexRows += bs.KeyN
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
	}
	return result, nil
}

// QueueCollector exports QueueStats to Prometheus.
type QueueCollector struct {
	q *WriteQueue

	cycles         *prometheus.Desc
	rows           *prometheus.Desc
	conflicts      *prometheus.Desc
	modifierErrors *prometheus.Desc
	hookErrors     *prometheus.Desc
	writeErrors    *prometheus.Desc
	resolved       *prometheus.Desc
	pending        *prometheus.Desc
}

// NewQueueCollector describes q's counters; name becomes the "queue" label.
func NewQueueCollector(q *WriteQueue, name string) *QueueCollector {
	labels := prometheus.Labels{"queue": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc("docq_write_queue_"+metric, help, nil, labels)
	}
	return &QueueCollector{
		q:              q,
		cycles:         desc("cycles_total", "Number of write cycles run"),
		rows:           desc("rows_total", "Number of rows sent to bulk writes"),
		conflicts:      desc("conflicts_total", "Number of rows rejected with a write conflict"),
		modifierErrors: desc("modifier_errors_total", "Number of writes rejected by their modifier"),
		hookErrors:     desc("hook_errors_total", "Number of documents rejected by the pre-write hook"),
		writeErrors:    desc("write_errors_total", "Number of rows that failed to be written"),
		resolved:       desc("resolved_total", "Number of writes resolved successfully"),
		pending:        desc("pending", "Number of writes waiting for the next cycle"),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cycles
	ch <- c.rows
	ch <- c.conflicts
	ch <- c.modifierErrors
	ch <- c.hookErrors
	ch <- c.writeErrors
	ch <- c.resolved
	ch <- c.pending
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.q.Stats()
	ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(s.Cycles))
	ch <- prometheus.MustNewConstMetric(c.rows, prometheus.CounterValue, float64(s.Rows))
	ch <- prometheus.MustNewConstMetric(c.conflicts, prometheus.CounterValue, float64(s.Conflicts))
	ch <- prometheus.MustNewConstMetric(c.modifierErrors, prometheus.CounterValue, float64(s.ModifierErrors))
	ch <- prometheus.MustNewConstMetric(c.hookErrors, prometheus.CounterValue, float64(s.HookErrors))
	ch <- prometheus.MustNewConstMetric(c.writeErrors, prometheus.CounterValue, float64(s.WriteErrors))
	ch <- prometheus.MustNewConstMetric(c.resolved, prometheus.CounterValue, float64(s.Resolved))
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending))
}
