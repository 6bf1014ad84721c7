// Command kvbench drives a single in-process engine.Engine with a bounded
// pool of concurrent client sessions, grounded on the teacher's
// cmd/benchmark load generator (SingleWriter/MultiReader against
// pkg/a_kv.KV) but replacing its lotsaa-driven goroutine-per-thread loop
// with github.com/panjf2000/ants/v2's bounded pool, since spec's
// single-client contract means only the benchmark tool itself — never
// the Engine — may fan out across goroutines.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/arjunsk/kvlogdb/internal/engine"
)

func main() {
	path := "kvbench.db"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	workers := 64
	if len(os.Args) > 2 {
		if n, err := strconv.Atoi(os.Args[2]); err == nil {
			workers = n
		}
	}
	duration := 5 * time.Second
	if len(os.Args) > 3 {
		if d, err := time.ParseDuration(os.Args[3]); err == nil {
			duration = d
		}
	}

	e, err := engine.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvbench:", err)
		os.Exit(1)
	}
	defer e.Close()

	var ops atomic.Int64
	var misses atomic.Int64

	pool, err := ants.NewPool(workers, ants.WithPreAlloc(true))
	if err != nil {
		fmt.Fprintln(os.Stderr, "kvbench:", err)
		os.Exit(1)
	}
	defer pool.Release()

	stop := time.Now().Add(duration)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		worker := i
		task := func() {
			defer wg.Done()
			runSession(e, worker, stop, &ops, &misses)
		}
		if err := pool.Submit(task); err != nil {
			fmt.Fprintln(os.Stderr, "kvbench: submit:", err)
			wg.Done()
		}
	}

	wg.Wait()

	stats := e.Stats()
	fmt.Printf("ops=%d misses=%d keys=%d log_records=%d last_recovery_ms=%d\n",
		ops.Load(), misses.Load(), stats.Keys, stats.LogRecords, stats.LastRecoveryMs)
}

// runSession repeatedly writes then reads back a worker-scoped key range,
// mirroring the teacher's SingleWriter+MultiReader shape collapsed into
// one session since kvbench has no separate scan-thread population.
func runSession(e *engine.Engine, worker int, stop time.Time, ops, misses *atomic.Int64) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
	val := make([]byte, 128)

	for time.Now().Before(stop) {
		n := rnd.Intn(10_000)
		key := []byte(fmt.Sprintf("w%d-k%d", worker, n))
		rnd.Read(val)

		if err := e.Set(key, val); err != nil {
			misses.Add(1)
			continue
		}
		ops.Add(1)

		if _, err := e.Get(key); err != nil {
			misses.Add(1)
			continue
		}
		ops.Add(1)
	}
}
