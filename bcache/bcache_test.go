package bcache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/diskio"
)

func testCache(t *testing.T, nbuf int) *Cache_t {
	t.Helper()
	disk := diskio.NewRAMDisk()
	return New(Config{NBuf: nbuf, BucketCount: 7, BucketWidth: 4}, disk)
}

func TestReadWriteRoundTrip(t *testing.T) {
	c := testCache(t, 3)
	b := c.Read(1, 1)
	require.False(t, b.Valid == false && len(b.Data) == 0)
	b.Data[0] = 0x7a
	c.Write(b)
	c.Release(b)

	b2 := c.Read(1, 1)
	require.EqualValues(t, 0x7a, b2.Data[0])
	c.Release(b2)
}

func TestBucketHitReturnsSameBuffer(t *testing.T) {
	c := testCache(t, 3)
	b := c.Read(2, 5)
	c.Release(b)

	b2 := c.Get(2, 5)
	require.Same(t, b, b2)
	require.EqualValues(t, 1, b2.Refcnt)
	c.Release(b2)
}

// TestLRUEviction matches the spec's buffer-cache scenario: with NBUF=3,
// reading (1,1),(1,2),(1,3),(1,4) in order then re-reading (1,1) must
// find it evicted already -- its buffer was reused for (1,4), the least
// recently touched of the three released buffers at the time (1,4)
// needed a slot. The test never probes the cache except through the
// moves the scenario itself specifies: any extra Get/Read would bump a
// buffer's LastTouched and change which buffer is evicted next.
func TestLRUEviction(t *testing.T) {
	c := testCache(t, 3)

	b1 := c.Read(1, 1)
	c.Release(b1)
	b2 := c.Read(1, 2)
	c.Release(b2)
	b3 := c.Read(1, 3)
	c.Release(b3)
	b4 := c.Read(1, 4)
	c.Release(b4)

	require.Same(t, b1, b4, "the buffer pool never allocates new Buffer_t objects -- (1,4) must reuse (1,1)'s buffer")
	require.Equal(t, 1, b4.Dev)
	require.Equal(t, 4, b4.Blockno)

	// (1,2) is now the least recently touched surviving buffer, so
	// re-reading (1,1) -- no longer cached -- must evict it, not (1,3).
	evicted := c.Get(1, 1)
	require.False(t, evicted.Valid, "(1,1) was evicted earlier and must be reread from disk")
	require.Same(t, b2, evicted, "(1,2)'s buffer must be the one reused for the re-read of (1,1)")
	c.Release(evicted)

	still3 := c.Get(1, 3)
	require.True(t, still3.Valid, "(1,3) must still be cached, unevicted")
	c.Release(still3)
}

func TestPinnedBufferNotEvicted(t *testing.T) {
	c := testCache(t, 2)

	b1 := c.Read(1, 1)
	c.Pin(b1)
	c.Release(b1)

	b2 := c.Read(1, 2)
	c.Release(b2)

	// both buffers are now unreferenced by sleeplock, but b1 stays pinned.
	b3 := c.Read(1, 3)
	c.Release(b3)

	still1 := c.Get(1, 1)
	require.Same(t, b1, still1)
	c.Unpin(still1)
	c.Release(still1)
}

func TestNoBuffersPanics(t *testing.T) {
	c := testCache(t, 1)
	b := c.Read(1, 1)
	// never released: refcnt stays 1, so no victim exists for a second key.
	require.Panics(t, func() {
		c.Get(1, 2)
	})
	c.Release(b)
}
