package tensor

import (
	"runtime"
	"sync"
)

var (
	workersMu sync.RWMutex
	workers   = runtime.GOMAXPROCS(0)
)

// SetWorkers bounds the goroutines used by a single operation. Values below
// one reset it to GOMAXPROCS.
func SetWorkers(n int) {
	if n < 1 {
		n = runtime.GOMAXPROCS(0)
	}
	workersMu.Lock()
	workers = n
	workersMu.Unlock()
}

// Workers returns the current per-operation goroutine bound.
func Workers() int {
	workersMu.RLock()
	defer workersMu.RUnlock()
	return workers
}

// parallelFor runs fn(i) for i in [0, n) on at most Workers() goroutines.
func parallelFor(n int, fn func(i int)) {
	w := Workers()
	if w > n {
		w = n
	}
	if w <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(w)
	for g := 0; g < w; g++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}
