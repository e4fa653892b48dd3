// kbench drives the frame allocator with one goroutine per simulated
// CPU, each allocating and freeing pages in a loop, and reports the
// alloc/free totals, the elapsed time, and the total number of steals
// across all CPUs.
//
// Grounded on other_examples' page-alloc-bench (a per-CPU
// allocate/free workload driven by one goroutine per CPU, collected
// into a shared atomic-counter stats struct) -- its own comment notes
// the manual WaitGroup+error-channel it uses stands in for an errgroup
// it didn't want to add as a dependency; this module has no such
// reservation, since the teacher's go.mod already carries
// golang.org/x/sync as an indirect dependency, so kbench uses
// errgroup.Group directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"kcore/frame"
)

var (
	ncpuFlag     = flag.Int("ncpu", 4, "number of simulated CPUs")
	framesFlag   = flag.Int("frames", 4096, "total frames the allocator manages")
	perCPUFlag   = flag.Int("per-cpu-ops", 20000, "alloc/free cycles performed by each CPU")
	timeoutFlag  = flag.Duration("timeout", 10*time.Second, "overall deadline")
)

type stats struct {
	allocs atomic.Uint64
	frees  atomic.Uint64
}

func (s *stats) String(steals uint64) string {
	return fmt.Sprintf("allocs=%d frees=%d steals=%d", s.allocs.Load(), s.frees.Load(), steals)
}

func runCPU(ctx context.Context, alloc *frame.Allocator_t, cpu int, ops int, st *stats) error {
	var held []frame.Pa_t
	for i := 0; i < ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pa, ok := alloc.Alloc(cpu)
		if !ok {
			return fmt.Errorf("cpu %d: allocator exhausted after %d allocs", cpu, i)
		}
		st.allocs.Add(1)
		held = append(held, pa)

		// keep at most two frames held per CPU between iterations,
		// freeing the oldest back onto this CPU's own freelist.
		if len(held) > 2 {
			victim := held[0]
			held = held[1:]
			alloc.Free(cpu, victim)
			st.frees.Add(1)
		}
	}
	for _, pa := range held {
		alloc.Free(cpu, pa)
		st.frees.Add(1)
	}
	return nil
}

func doMain() error {
	flag.Parse()

	alloc := frame.New(frame.Config{
		PhysTop:        *framesFlag * frame.PGSIZE,
		ReservedFrames: 0,
		NCPU:           *ncpuFlag,
	})

	var st stats

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < *ncpuFlag; cpu++ {
		cpu := cpu
		g.Go(func() error {
			return runCPU(gctx, alloc, cpu, *perCPUFlag, &st)
		})
	}

	start := time.Now()
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("stats: %s elapsed=%s\n", st.String(alloc.Steals()), elapsed)
	return nil
}

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
