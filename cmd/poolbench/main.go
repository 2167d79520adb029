package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unsafe"

	mempool "github.com/ehrlich-b/go-mempool"
	"github.com/ehrlich-b/go-mempool/internal/logging"
	"github.com/ehrlich-b/go-mempool/upstream"
)

func main() {
	var (
		minStr   = flag.String("min-block", "4K", "Minimum upstream block size (e.g., 4K, 1M)")
		maxStr   = flag.String("max-block", "256M", "Maximum upstream block size")
		growth   = flag.Float64("growth", 2, "Geometric growth factor for upstream blocks")
		workers  = flag.Int("workers", 4, "Concurrent allocator goroutines")
		iters    = flag.Int("iters", 100000, "Alloc/free cycles per worker")
		sizeStr  = flag.String("alloc", "64K", "Maximum allocation size per cycle")
		deferred = flag.Bool("deferred", false, "Route frees through the deferred worker")
		useHeap  = flag.Bool("heap", false, "Use the Go heap upstream instead of mmap")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	minBlock, err := parseSize(*minStr)
	if err != nil {
		log.Fatalf("Invalid min-block '%s': %v", *minStr, err)
	}
	maxBlock, err := parseSize(*maxStr)
	if err != nil {
		log.Fatalf("Invalid max-block '%s': %v", *maxStr, err)
	}
	maxAlloc, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("Invalid alloc '%s': %v", *sizeStr, err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	opts := mempool.HostOptions()
	opts.MinBlockSize = uintptr(minBlock)
	opts.MaxBlockSize = uintptr(maxBlock)
	opts.GrowthFactor = *growth
	opts.EnableDeferredDeallocation = *deferred

	var up mempool.Upstream
	if *useHeap {
		up = upstream.NewHeap(0)
	} else {
		up = upstream.NewMmap()
	}

	pool, err := mempool.NewDeferredPool(mempool.Config{Upstream: up, Options: opts})
	if err != nil {
		logger.Error("failed to create pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("running workload",
		"workers", *workers, "iters", *iters,
		"min_block", minBlock, "max_block", maxBlock, "deferred", *deferred)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			held := make([]allocation, 0, 64)
			for i := 0; i < *iters; i++ {
				n := uintptr(rng.Int63n(maxAlloc) + 1)
				ptr, err := pool.Allocate(n, 64)
				if err != nil {
					logger.Error("allocation failed", "bytes", uint64(n), "error", err)
					break
				}
				held = append(held, allocation{ptr, n})
				// Keep a bounded working set; free oldest past 32 entries.
				if len(held) > 32 {
					a := held[0]
					held = held[1:]
					pool.Deallocate(a.ptr, a.bytes, 64)
				}
			}
			for _, a := range held {
				pool.Deallocate(a.ptr, a.bytes, 64)
			}
		}(int64(w) + 1)
	}
	wg.Wait()
	elapsed := time.Since(start)

	m := pool.Metrics().Snapshot()
	total := *workers * *iters
	fmt.Printf("cycles:            %d in %v (%.0f/s)\n", total, elapsed, float64(total)/elapsed.Seconds())
	fmt.Printf("free-list hits:    %d (%.1f%%)\n", m.FreeListHits, 100*float64(m.FreeListHits)/float64(m.AllocOps))
	fmt.Printf("upstream allocs:   %d (%d bytes)\n", m.UpstreamAllocs, m.BytesFromUpstream)
	fmt.Printf("upstream releases: %d (%d bytes)\n", m.UpstreamReleases, m.BytesToUpstream)
	fmt.Printf("ladder retries:    %d\n", m.LadderRetries)
	if *deferred {
		fmt.Printf("deferred submits:  %d, worker drains: %d, flush waits: %d\n",
			m.DeferredSubmits, m.WorkerDrains, m.FlushWaits)
	}
}

type allocation struct {
	ptr   unsafe.Pointer
	bytes uintptr
}

// parseSize parses a human-readable size like "64K", "1M" or "4G".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
