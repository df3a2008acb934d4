package monitor

import (
	"sort"

	"go.uber.org/atomic"
)

// Counter 计数器编号
type Counter int

const (
	RowsRead Counter = iota
	RowsInvisible
	RowsDeleteMarkedSkipped
	RowsFromCache
	VersionsBuilt
	SemiConsistentReads
	LockWaits
	SecondaryStale
	SecondaryPurged
	CorruptPagesSkipped
	LOBNotReady
	LOBCorruptAbsent

	PurgeDelMark
	PurgeUpdExist
	PurgeSkipped
	PurgeRetried
	PurgeSecondaryRemoved
	PurgeClusteredRemoved
	PurgeLOBFreed
	PurgeLOBPagesFreed
	PurgeNoop

	numCounters
)

var counterNames = [numCounters]string{
	"rows_read",
	"rows_invisible",
	"rows_delete_marked_skipped",
	"rows_from_cache",
	"versions_built",
	"semi_consistent_reads",
	"lock_waits",
	"secondary_stale",
	"secondary_purged",
	"corrupt_pages_skipped",
	"lob_not_ready",
	"lob_corrupt_absent",
	"purge_del_mark",
	"purge_upd_exist",
	"purge_skipped",
	"purge_retried",
	"purge_secondary_removed",
	"purge_clustered_removed",
	"purge_lob_freed",
	"purge_lob_pages_freed",
	"purge_noop",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Monitor 行读取与purge的计数。nil的Monitor可以安全调用，什么也不记录。
type Monitor struct {
	counters [numCounters]atomic.Uint64
}

func New() *Monitor {
	return &Monitor{}
}

// Inc 计数加一
func (m *Monitor) Inc(c Counter) {
	m.Add(c, 1)
}

// Add 计数加n
func (m *Monitor) Add(c Counter, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.counters[c].Add(n)
}

// Get 当前值
func (m *Monitor) Get(c Counter) uint64 {
	if m == nil {
		return 0
	}
	return m.counters[c].Load()
}

// Snapshot 所有非零计数
func (m *Monitor) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	for i := Counter(0); i < numCounters; i++ {
		if v := m.counters[i].Load(); v != 0 {
			out[i.String()] = v
		}
	}
	return out
}

// Names 按名字排序的计数器名，用于输出
func Names(snap map[string]uint64) []string {
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Reset 清零，测试用
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	for i := range m.counters {
		m.counters[i].Store(0)
	}
}
