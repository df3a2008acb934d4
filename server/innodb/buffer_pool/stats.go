package buffer_pool

import "go.uber.org/atomic"

// Stats 缓冲池统计快照
type Stats struct {
	PageGets     uint64
	PageAllocs   uint64
	PageFrees    uint64
	CorruptReads uint64
	UsedPages    int
	FreePages    int
}

type counters struct {
	gets    atomic.Uint64
	allocs  atomic.Uint64
	frees   atomic.Uint64
	corrupt atomic.Uint64
}
