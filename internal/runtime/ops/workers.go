package ops

import (
	"sync"
	"sync/atomic"
)

// chunkWorkers controls the number of goroutines used for chunked vocoder
// generation. A value of 0 or 1 means sequential (default). Values >= 2
// enable parallel execution.
//
// Set via SetChunkWorkers, typically wired to --vocoder-chunk-workers.
var chunkWorkers atomic.Int32

// SetChunkWorkers sets the maximum number of goroutines used for parallel
// chunk generation. n <= 1 disables parallelism.
func SetChunkWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	if n < 0 {
		n = 0
	}

	if n > maxInt32 {
		n = maxInt32
	}

	chunkWorkers.Store(int32(n))
}

// ChunkWorkers returns the current worker count (0 or 1 -> sequential).
func ChunkWorkers() int { return int(chunkWorkers.Load()) }

// ParallelFor splits the range [0, n) into contiguous chunks and runs
// fn(lo, hi) concurrently. When workers <= 1 the call is sequential
// (no goroutines). fn must not share mutable state across chunks.
func ParallelFor(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup

	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Add(1)

		go func(lo, hi int) {
			defer wg.Done()

			fn(lo, hi)
		}(lo, hi)
	}

	wg.Wait()
}
