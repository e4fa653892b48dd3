package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/frame"
)

func testAlloc(t *testing.T) *frame.Allocator_t {
	t.Helper()
	return frame.New(frame.Config{PhysTop: 512 * PGSIZE, ReservedFrames: 0, NCPU: 1})
}

func TestLazyAllocNoFrameUntilTouch(t *testing.T) {
	a := testAlloc(t)
	s, errv := NewSpace(a, 0)
	require.Nil(t, errv)

	// an already-mapped page at va 0 builds out the interior page-table
	// chain that covers the whole 2MiB leaf-table range; the second page
	// (va PGSIZE) falls in that same range, so its first touch need only
	// allocate the one leaf frame, not any interior page-table pages.
	_, errv = s.UvmAlloc(0, PGSIZE)
	require.Nil(t, errv)

	before := a.FreeCount(0)

	// sbrk's lazy contract: only Size changes, no frame is touched.
	s.Size = 2 * PGSIZE
	require.Equal(t, before, a.FreeCount(0))

	// first read at the new region should fault in lazily and read as
	// zero, consuming exactly one frame -- the page that was touched.
	dst := make([]byte, 8)
	errv = s.CopyIn(dst, PGSIZE)
	require.Nil(t, errv)
	for _, b := range dst {
		require.EqualValues(t, 0, b)
	}
	require.Equal(t, before-1, a.FreeCount(0))
}

func TestForkAndExitCOW(t *testing.T) {
	a := testAlloc(t)
	parent, errv := NewSpace(a, 0)
	require.Nil(t, errv)
	_, errv = parent.UvmAlloc(0, PGSIZE)
	require.Nil(t, errv)

	require.Nil(t, parent.CopyOut(0, []byte{0x41}))

	child, errv := NewSpace(a, 0)
	require.Nil(t, errv)
	child.Size = PGSIZE
	require.Nil(t, parent.UvmCopy(child, PGSIZE))

	parentPte, _ := parent.walk(0, false)
	require.NotNil(t, parentPte)
	require.NotZero(t, *parentPte&PTE_COW)
	require.Zero(t, *parentPte&PTE_W)
	pa := ptePA(*parentPte)
	require.EqualValues(t, 2, a.Refcount(pa))

	childBuf := make([]byte, 1)
	require.Nil(t, child.CopyIn(childBuf, 0))
	require.EqualValues(t, 0x41, childBuf[0])

	require.Nil(t, child.CopyOut(0, []byte{0x42}))

	parentBuf := make([]byte, 1)
	require.Nil(t, parent.CopyIn(parentBuf, 0))
	require.EqualValues(t, 0x41, parentBuf[0], "parent's view of the page must be unaffected by the child's write")

	childBuf2 := make([]byte, 1)
	require.Nil(t, child.CopyIn(childBuf2, 0))
	require.EqualValues(t, 0x42, childBuf2[0])

	// the child's write above already gave it a private copy and dropped
	// the original frame's refcount to 1; the child exiting leaves it there.
	child.UvmFree(PGSIZE)
	require.EqualValues(t, 1, a.Refcount(pa))

	parentBuf2 := make([]byte, 1)
	require.Nil(t, parent.CopyIn(parentBuf2, 0))
	require.EqualValues(t, 0x41, parentBuf2[0])
}

func TestCOWSingleSharerFastPathNoAlloc(t *testing.T) {
	a := testAlloc(t)
	s, errv := NewSpace(a, 0)
	require.Nil(t, errv)
	_, errv = s.UvmAlloc(0, PGSIZE)
	require.Nil(t, errv)

	pte, _ := s.walk(0, false)
	require.NotNil(t, pte)
	// force a COW state with refcount == 1, as would happen if a sharer
	// had already exited.
	perm := pteFlags(*pte) &^ PTE_W
	perm |= PTE_COW
	pa := ptePA(*pte)
	*pte = pa2pte(pa) | perm

	before := a.FreeCount(0)
	require.Nil(t, s.HandleCow(0, pte))
	require.Equal(t, before, a.FreeCount(0), "single-sharer COW fault must not allocate")
	require.NotZero(t, *pte&PTE_W)
	require.Zero(t, *pte&PTE_COW)
	require.EqualValues(t, ptePA(*pte), pa)
}

func TestMapPagesRemapKillsUser(t *testing.T) {
	a := testAlloc(t)
	s, errv := NewSpace(a, 0)
	require.Nil(t, errv)
	_, errv = s.UvmAlloc(0, PGSIZE)
	require.Nil(t, errv)

	pa, ok := a.Alloc(0)
	require.True(t, ok)

	k := &fakeKiller{}
	errv = s.MapPages(0, PGSIZE, pa, userPerm, true, k)
	require.NotNil(t, errv)
	require.True(t, k.killed)
}

type fakeKiller struct{ killed bool }

func (f *fakeKiller) Kill() { f.killed = true }

func TestUvmDeallocFreesAboveNewSize(t *testing.T) {
	a := testAlloc(t)
	s, errv := NewSpace(a, 0)
	require.Nil(t, errv)
	before := a.FreeCount(0)
	// four leaf frames plus the two interior page-table pages walk builds.
	_, errv = s.UvmAlloc(0, 4*PGSIZE)
	require.Nil(t, errv)
	require.Equal(t, before-6, a.FreeCount(0))

	// three leaves are freed; the interior pages stay until UvmFree.
	s.UvmDealloc(4*PGSIZE, PGSIZE)
	require.Equal(t, before-3, a.FreeCount(0))
}

func TestUvmFreeReclaimsPageTablePages(t *testing.T) {
	a := testAlloc(t)
	// taken before NewSpace: UvmFree also frees the root page.
	before := a.FreeCount(0)
	s, errv := NewSpace(a, 0)
	require.Nil(t, errv)
	_, errv = s.UvmAlloc(0, 8*PGSIZE)
	require.Nil(t, errv)
	require.Less(t, a.FreeCount(0), before-8, "interior page-table pages must also have been allocated")

	s.UvmFree(8 * PGSIZE)
	require.Equal(t, before, a.FreeCount(0), "all leaf and interior pages must return to the freelist")
}
