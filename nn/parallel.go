package nn

import (
	"runtime"
	"sync"
)

// ParallelRows splits [0, rows) into contiguous chunks and runs fn on each
// chunk in its own goroutine, returning once all chunks are done.
func ParallelRows(rows int, fn func(start, end int)) {
	numWorkers := runtime.NumCPU()
	if numWorkers > rows {
		numWorkers = rows
	}
	if numWorkers <= 1 {
		fn(0, rows)
		return
	}

	chunkSize := (rows + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > rows {
			end = rows
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}
