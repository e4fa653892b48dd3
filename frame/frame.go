// Package frame implements the per-CPU physical-page allocator: frame
// give/take, inter-CPU stealing, and the dense per-frame refcount table
// that arbitrates copy-on-write sharing.
//
// This is a from-scratch rewrite of biscuit's mem.Physmem_t grounded on
// the same per-CPU-freelist-with-global-fallback shape, but built atop a
// simulated arena of ordinary Go memory instead of real CR3/TLB hardware
// (mem.Physmem_t leans on a patched runtime -- runtime.Get_phys,
// runtime.CPUHint -- that has no equivalent here), and with a byte-sized
// refcount table per the spec instead of mem.Physpg_t's int32/atomics,
// since Go has no atomic-byte primitive. The stealing protocol follows
// original_source/kernel/kalloc.c's borrow_mem literally: a global lock
// serializes stealers, a cyclic cursor picks donors, and only the
// global-lock holder ever acquires two per-CPU locks at once.
package frame

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"kcore/lock"
	"kcore/util"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a frame in bytes.
const PGSIZE int = 1 << PGSHIFT

// Pa_t is a physical address: a byte offset into the simulated arena.
type Pa_t uintptr

const nilIdx = ^uint32(0)

// allocFill and freeFill are the poison bytes alloc/free stamp into a
// frame, so that dangling reads or writes to a frame outside its current
// owner are visible in a debugger or a test assertion.
const (
	allocFill = 0x05
	freeFill  = 0x01
)

// percpuFreelist_t is one CPU's private stack of free frames. The next
// pointer lives in the free frame's own first four bytes -- no external
// metadata, per the spec's free-list-node data model.
type percpuFreelist_t struct {
	mu    lock.Spinlock_t
	head  uint32
	count int
}

// Config configures a new Allocator_t.
type Config struct {
	// PhysTop is the size in bytes of the simulated physical arena.
	PhysTop int
	// ReservedFrames is the count of frames below the managed region
	// (kernel image, boot structures) that the allocator never hands out.
	ReservedFrames int
	// NCPU is the number of per-CPU freelists to maintain.
	NCPU int
}

// Allocator_t owns a simulated span of physical RAM: the managed frame
// range, the dense refcount table, and one freelist per CPU.
type Allocator_t struct {
	arena []byte

	refcnt []uint8
	refmu  lock.Spinlock_t

	startFrame uint32
	nframes    uint32

	percpu []percpuFreelist_t

	global lock.Spinlock_t
	cursor uint32

	steals atomic.Uint64
}

// New builds an allocator over a simulated arena of cfg.PhysTop bytes and
// sweeps every managed frame onto a per-CPU freelist in round-robin order,
// matching init()'s contract: after construction all managed frames are
// free with refcount == 0.
func New(cfg Config) *Allocator_t {
	if cfg.NCPU < 1 {
		panic("frame: NCPU must be >= 1")
	}
	nframesTotal := cfg.PhysTop / PGSIZE
	// the refcount table itself occupies whole frames out of the
	// managed region, one byte per candidate frame (a slight
	// over-reservation, since the table doesn't need to cover the
	// frames it occupies, but it keeps the sizing arithmetic simple
	// and costs at most one extra frame).
	tableFrames := util.Roundup(nframesTotal, PGSIZE) / PGSIZE
	startFrame := uint32(cfg.ReservedFrames) + uint32(tableFrames)
	if int(startFrame) >= nframesTotal {
		panic("frame: no managed frames left after reservations")
	}
	nframes := uint32(nframesTotal) - startFrame

	a := &Allocator_t{
		arena:      make([]byte, cfg.PhysTop),
		refcnt:     make([]uint8, nframes),
		startFrame: startFrame,
		nframes:    nframes,
		percpu:     make([]percpuFreelist_t, cfg.NCPU),
	}
	for i := range a.percpu {
		a.percpu[i].head = nilIdx
	}
	// seed every managed frame to refcount 1, so the initial sweep's
	// free() calls below drive each down to 0 and onto a freelist.
	for i := range a.refcnt {
		a.refcnt[i] = 1
	}
	for i := uint32(0); i < nframes; i++ {
		cpu := int(i) % cfg.NCPU
		a.Free(cpu, a.frameAddr(i))
	}
	return a
}

// NCPU reports how many per-CPU freelists this allocator maintains.
func (a *Allocator_t) NCPU() int {
	return len(a.percpu)
}

// NFrames reports the number of managed frames.
func (a *Allocator_t) NFrames() uint32 {
	return a.nframes
}

func (a *Allocator_t) idx(pa Pa_t) uint32 {
	if uintptr(pa)%uintptr(PGSIZE) != 0 {
		panic(fmt.Sprintf("frame: misaligned frame address %#x", pa))
	}
	framenum := uint32(uintptr(pa) / uintptr(PGSIZE))
	if framenum < a.startFrame || framenum >= a.startFrame+a.nframes {
		panic(fmt.Sprintf("frame: address %#x outside managed range", pa))
	}
	return framenum - a.startFrame
}

func (a *Allocator_t) frameAddr(idx uint32) Pa_t {
	return Pa_t(uintptr(a.startFrame+idx) * uintptr(PGSIZE))
}

func (a *Allocator_t) frameBytes(idx uint32) []byte {
	pa := a.frameAddr(idx)
	return a.arena[pa : uintptr(pa)+uintptr(PGSIZE)]
}

// Bytes returns the live backing bytes of an allocated frame for the
// caller to read or write. It does not check refcount > 0; callers that
// have not allocated or incref'd pa must not call this.
func (a *Allocator_t) Bytes(pa Pa_t) []byte {
	return a.frameBytes(a.idx(pa))
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Alloc returns an exclusively-owned frame from cpu's freelist, with its
// refcount set to one and its bytes filled with allocFill, stealing from
// other CPUs if cpu's list is empty. It returns ok == false when cpu's
// list is empty and no other CPU has more than one free frame to give.
func (a *Allocator_t) Alloc(cpu int) (pa Pa_t, ok bool) {
	idx, found := a.popFree(cpu)
	if !found {
		if a.steal(cpu) == 0 {
			return 0, false
		}
		idx, found = a.popFree(cpu)
		if !found {
			return 0, false
		}
	}
	a.refmu.Lock()
	if a.refcnt[idx] != 0 {
		a.refmu.Unlock()
		panic("frame: allocated a frame that wasn't free")
	}
	a.refcnt[idx] = 1
	a.refmu.Unlock()

	b := a.frameBytes(idx)
	fill(b, allocFill)
	return a.frameAddr(idx), true
}

// Free decrements pa's refcount; when it reaches zero the frame is
// poisoned and returned to cpu's freelist. Freeing a frame whose refcount
// is already zero is a fatal invariant violation.
func (a *Allocator_t) Free(cpu int, pa Pa_t) {
	idx := a.idx(pa)
	a.refmu.Lock()
	if a.refcnt[idx] == 0 {
		a.refmu.Unlock()
		panic("frame: double free")
	}
	a.refcnt[idx]--
	reachedZero := a.refcnt[idx] == 0
	a.refmu.Unlock()

	if !reachedZero {
		return
	}
	fill(a.frameBytes(idx), freeFill)
	a.pushFree(cpu, idx)
}

// Incref bumps pa's refcount without touching any freelist.
func (a *Allocator_t) Incref(pa Pa_t) {
	idx := a.idx(pa)
	a.refmu.Lock()
	defer a.refmu.Unlock()
	if a.refcnt[idx] == 0 {
		panic("frame: incref of unowned frame")
	}
	if a.refcnt[idx] == 255 {
		panic("frame: refcount overflow")
	}
	a.refcnt[idx]++
}

// Decref drops pa's refcount by one without touching any freelist. It
// must never be used to bring the count to zero -- callers that expect
// that must call Free instead.
func (a *Allocator_t) Decref(pa Pa_t) {
	idx := a.idx(pa)
	a.refmu.Lock()
	defer a.refmu.Unlock()
	if a.refcnt[idx] <= 1 {
		panic("frame: decref would reach zero, use Free")
	}
	a.refcnt[idx]--
}

// Refcount returns pa's current refcount.
func (a *Allocator_t) Refcount(pa Pa_t) uint8 {
	idx := a.idx(pa)
	a.refmu.Lock()
	defer a.refmu.Unlock()
	return a.refcnt[idx]
}

// FreeCount reports how many frames are presently on cpu's freelist.
func (a *Allocator_t) FreeCount(cpu int) int {
	pc := &a.percpu[cpu]
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.count
}

// Steals reports how many times any CPU has had to steal frames from
// another CPU's freelist since the allocator was created.
func (a *Allocator_t) Steals() uint64 {
	return a.steals.Load()
}

func (a *Allocator_t) popFree(cpu int) (uint32, bool) {
	pc := &a.percpu[cpu]
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.head == nilIdx {
		return 0, false
	}
	idx := pc.head
	next := binary.LittleEndian.Uint32(a.frameBytes(idx)[:4])
	pc.head = next
	pc.count--
	return idx, true
}

func (a *Allocator_t) pushFree(cpu int, idx uint32) {
	pc := &a.percpu[cpu]
	pc.mu.Lock()
	binary.LittleEndian.PutUint32(a.frameBytes(idx)[:4], pc.head)
	pc.head = idx
	pc.count++
	pc.mu.Unlock()
}

// steal implements the cyclic donor scan: acquire the global lock,
// advance the cursor through the other CPUs, and move half of the first
// qualifying donor's frames to target. Returns the number of frames
// moved, or 0 if no donor had more than one free frame after one full
// cycle.
func (a *Allocator_t) steal(target int) int {
	a.global.Lock()
	defer a.global.Unlock()

	n := len(a.percpu)
	for i := 0; i < n; i++ {
		donor := int(a.cursor % uint32(n))
		a.cursor++
		if donor == target {
			continue
		}
		if moved := a.stealFrom(donor, target); moved > 0 {
			a.steals.Add(1)
			return moved
		}
	}
	return 0
}

// stealFrom moves floor(donor.count/2) frames from donor's freelist to
// target's. Lock order is always donor-then-target; steal is the only
// caller that ever holds two per-CPU locks simultaneously, enforcing the
// hierarchy the spec requires.
func (a *Allocator_t) stealFrom(donor, target int) int {
	dl := &a.percpu[donor]
	dl.mu.Lock()
	if dl.count <= 1 {
		dl.mu.Unlock()
		return 0
	}
	tl := &a.percpu[target]
	tl.mu.Lock()

	move := dl.count / 2
	for i := 0; i < move; i++ {
		idx := dl.head
		next := binary.LittleEndian.Uint32(a.frameBytes(idx)[:4])
		dl.head = next
		dl.count--

		binary.LittleEndian.PutUint32(a.frameBytes(idx)[:4], tl.head)
		tl.head = idx
		tl.count++
	}

	tl.mu.Unlock()
	dl.mu.Unlock()
	return move
}
