// Package diag renders live allocator and buffer-cache counters as a
// pprof profile, so the same tooling used to inspect a Go program's heap
// can be pointed at this kernel subsystem's own memory state.
//
// Grounded on biscuit's own go.mod dependency on github.com/google/pprof
// -- that dependency has no exercising call site anywhere in the
// retrieved source (its profiling hooks live outside this subsystem's
// slice of the tree), so this package gives it one: a sample per CPU
// carrying that CPU's free-frame count, shaped after
// other_examples' page-alloc-bench (per-CPU counts collected into one
// report) but rendered as a profile.Profile instead of a printed stats
// struct.
package diag

import (
	"github.com/google/pprof/profile"

	"kcore/frame"
)

// HitCounter_i supplies buffer-cache hit/miss counts. bcache.Cache_t
// does not track them itself (the spec's buffer cache contract has no
// such requirement); a caller wanting them in a snapshot supplies its own
// counter alongside the cache.
type HitCounter_i interface {
	Hits() int64
	Misses() int64
}

func mkFunction(id uint64, name string) *profile.Function {
	return &profile.Function{ID: id, Name: name, SystemName: name}
}

func mkLocation(id uint64, fn *profile.Function) *profile.Location {
	return &profile.Location{ID: id, Line: []profile.Line{{Function: fn, Line: 1}}}
}

// Snapshot builds a profile.Profile with one sample per CPU recording
// that CPU's free-frame count, plus (if counters is non-nil) a single
// sample recording buffer-cache hits and misses.
func Snapshot(alloc *frame.Allocator_t, counters HitCounter_i) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "free_frames", Unit: "count"},
		},
	}

	var nextID uint64 = 1
	for cpu := 0; cpu < alloc.NCPU(); cpu++ {
		fn := mkFunction(nextID, cpuLabel(cpu))
		nextID++
		loc := mkLocation(nextID, fn)
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(alloc.FreeCount(cpu))},
		})
	}

	if counters != nil {
		p.SampleType = append(p.SampleType,
			&profile.ValueType{Type: "bcache_hits", Unit: "count"},
			&profile.ValueType{Type: "bcache_misses", Unit: "count"},
		)
		fn := mkFunction(nextID, "bcache")
		nextID++
		loc := mkLocation(nextID, fn)
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)

		for _, s := range p.Sample {
			s.Value = append(s.Value, 0, 0)
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{0, counters.Hits(), counters.Misses()},
		})
	}

	return p
}

func cpuLabel(cpu int) string {
	return "cpu" + itoa(cpu)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
