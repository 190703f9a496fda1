package clock

import (
	"sync"
	"testing"
)

func TestNextStrictlyIncreasing(t *testing.T) {
	c := New()
	prev := c.Next()
	for i := 0; i < 10000; i++ {
		next := c.Next()
		if next <= prev {
			t.Fatalf("stamp %d not after %d", next, prev)
		}
		prev = next
	}
}

func TestNextConcurrent(t *testing.T) {
	c := New()
	const workers = 8
	const perWorker = 5000

	var wg sync.WaitGroup
	results := make([][]int64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			stamps := make([]int64, perWorker)
			for i := range stamps {
				stamps[i] = c.Next()
			}
			results[w] = stamps
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers*perWorker)
	for _, stamps := range results {
		for _, s := range stamps {
			if seen[s] {
				t.Fatalf("duplicate stamp %d", s)
			}
			seen[s] = true
		}
	}
}
