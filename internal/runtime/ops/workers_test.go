package ops

import (
	"sync/atomic"
	"testing"
)

func TestParallelForCoversRangeOnce(t *testing.T) {
	t.Parallel()

	const n = 1000
	var hits [n]atomic.Int32

	ParallelFor(n, 4, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			hits[i].Add(1)
		}
	})

	for i := range hits {
		if got := hits[i].Load(); got != 1 {
			t.Fatalf("index %d visited %d times", i, got)
		}
	}
}

func TestParallelForSequentialFallback(t *testing.T) {
	t.Parallel()

	var calls int
	ParallelFor(7, 1, func(lo, hi int) {
		calls++
		if lo != 0 || hi != 7 {
			t.Fatalf("sequential call got [%d,%d), want [0,7)", lo, hi)
		}
	})

	if calls != 1 {
		t.Fatalf("sequential fallback made %d calls", calls)
	}
}

func TestSetChunkWorkersClampsNegative(t *testing.T) {
	SetChunkWorkers(-3)
	defer SetChunkWorkers(0)

	if got := ChunkWorkers(); got != 0 {
		t.Fatalf("ChunkWorkers = %d, want 0", got)
	}
}
