package diag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/frame"
)

type fakeCounters struct {
	hits, misses int64
}

func (f fakeCounters) Hits() int64   { return f.hits }
func (f fakeCounters) Misses() int64 { return f.misses }

func TestSnapshotOneSamplePerCPU(t *testing.T) {
	a := frame.New(frame.Config{PhysTop: 64 * frame.PGSIZE, ReservedFrames: 0, NCPU: 3})
	p := Snapshot(a, nil)
	require.Len(t, p.Sample, 3)
	require.Len(t, p.SampleType, 1)
	for i, s := range p.Sample {
		require.Equal(t, []int64{int64(a.FreeCount(i))}, s.Value)
	}
}

func TestSnapshotIncludesCacheCounters(t *testing.T) {
	a := frame.New(frame.Config{PhysTop: 64 * frame.PGSIZE, ReservedFrames: 0, NCPU: 2})
	p := Snapshot(a, fakeCounters{hits: 10, misses: 3})
	require.Len(t, p.SampleType, 3)
	last := p.Sample[len(p.Sample)-1]
	require.Equal(t, []int64{0, 10, 3}, last.Value)
}
