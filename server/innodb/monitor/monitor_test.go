package monitor

import (
	"sync"
	"testing"

	"github.com/smartystreets/assertions"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(RowsRead)
			}
		}()
	}
	wg.Wait()
	m.Add(PurgeLOBPagesFreed, 3)

	assert.Equal(t, uint64(800), m.Get(RowsRead))
	snap := m.Snapshot()
	assert.Equal(t, []string{"purge_lob_pages_freed", "rows_read"}, Names(snap))
	assert.Empty(t, assertions.ShouldEqual(snap["purge_lob_pages_freed"], uint64(3)))

	m.Reset()
	assert.Empty(t, m.Snapshot())
}

func TestNilMonitor(t *testing.T) {
	var m *Monitor
	m.Inc(PurgeNoop)
	assert.Zero(t, m.Get(PurgeNoop))
	assert.Empty(t, m.Snapshot())
	assert.Equal(t, "unknown", numCounters.String())
}
