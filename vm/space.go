package vm

import (
	"unsafe"

	"kcore/defs"
	"kcore/frame"
)

// Killer_i is the out-of-scope scheduler's kill entry point: map_pages
// uses it to terminate a user process that attempts to remap an already
// mapped page, rather than treating that as a kernel invariant violation.
type Killer_i interface {
	Kill()
}

// Space_t is one process's address space: a root page table plus the
// process's current break (Size). The frame allocator and the CPU whose
// freelist this space's allocations and frees are charged to are fixed at
// creation, mirroring how a process is pinned to the CPU it last ran on
// in the teacher's design.
type Space_t struct {
	alloc *frame.Allocator_t
	cpu   int

	Root frame.Pa_t
	Size uintptr
}

// NewSpace allocates a fresh, zeroed root page table.
func NewSpace(alloc *frame.Allocator_t, cpu int) (*Space_t, *defs.Err_t) {
	root, ok := alloc.Alloc(cpu)
	if !ok {
		return nil, defs.ENOMEM
	}
	zero(alloc.Bytes(root))
	return &Space_t{alloc: alloc, cpu: cpu, Root: root}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (s *Space_t) entries(pa frame.Pa_t) *[512]Pte_t {
	b := s.alloc.Bytes(pa)
	return (*[512]Pte_t)(unsafe.Pointer(&b[0]))
}

// walk descends the three Sv39 levels for va, returning a pointer to the
// leaf PTE. With alloc == true it installs zeroed interior page-table
// pages for any missing level. With alloc == false a missing interior
// entry yields (nil, nil) rather than an error -- "absence" per the
// spec, not a fault.
func (s *Space_t) walk(va uintptr, allocate bool) (*Pte_t, *defs.Err_t) {
	if va >= MaxVA {
		panic("vm: walk: va exceeds MaxVA")
	}
	pa := s.Root
	for level := 2; level > 0; level-- {
		ents := s.entries(pa)
		idx := pageIndex(va, level)
		pte := &ents[idx]
		if *pte&PTE_V != 0 {
			pa = ptePA(*pte)
			continue
		}
		if !allocate {
			return nil, nil
		}
		newpa, ok := s.alloc.Alloc(s.cpu)
		if !ok {
			return nil, defs.ENOMEM
		}
		zero(s.alloc.Bytes(newpa))
		*pte = pa2pte(newpa) | PTE_V
		pa = newpa
	}
	ents := s.entries(pa)
	idx := pageIndex(va, 0)
	return &ents[idx], nil
}

func (s *Space_t) walkaddr(va uintptr) (frame.Pa_t, bool) {
	pte, _ := s.walk(va, false)
	if pte == nil || *pte&PTE_V == 0 {
		return 0, false
	}
	return ptePA(*pte), true
}

// MapPages installs pa|perm|V at every page in [va, va+size). If a target
// PTE is already valid and userRemap is true, the offending process is
// killed via killer rather than treated as a bug; if userRemap is false,
// a pre-existing mapping is a fatal kernel invariant violation.
func (s *Space_t) MapPages(va uintptr, size int, pa frame.Pa_t, perm Pte_t, userRemap bool, killer Killer_i) *defs.Err_t {
	a := roundDown(va, PGSIZE)
	last := roundDown(va+uintptr(size)-1, PGSIZE)
	for {
		pte, err := s.walk(a, true)
		if err != nil {
			return err
		}
		if *pte&PTE_V != 0 {
			if userRemap {
				if killer != nil {
					killer.Kill()
				}
				return defs.EFAULT
			}
			panic("vm: map_pages: remap of an already-valid PTE")
		}
		*pte = pa2pte(pa) | perm | PTE_V
		if a == last {
			break
		}
		a += PGSIZE
		pa += frame.Pa_t(PGSIZE)
	}
	return nil
}

// Unmap clears the PTE for every page in [va, va+size). A missing or
// already-invalid PTE is tolerated -- lazy allocation leaves holes. When
// free is true the underlying frame is released through the allocator
// (which only actually reclaims it once its refcount reaches zero).
func (s *Space_t) Unmap(va uintptr, size int, free bool) {
	a := roundDown(va, PGSIZE)
	last := roundDown(va+uintptr(size)-1, PGSIZE)
	for {
		pte, _ := s.walk(a, false)
		if pte == nil {
			if a == last {
				break
			}
			a += PGSIZE
			continue
		}
		if *pte&PTE_V == 0 {
			*pte = 0
			if a == last {
				break
			}
			a += PGSIZE
			continue
		}
		old := ptePA(*pte)
		// clear the PTE before freeing the frame: no TLB-visible entry
		// may outlive the refcount that backs it.
		*pte = 0
		if free {
			s.alloc.Free(s.cpu, old)
		}
		if a == last {
			break
		}
		a += PGSIZE
	}
}

const userPerm = PTE_R | PTE_W | PTE_X | PTE_U

// UvmAlloc grows the process from oldSz to newSz, allocating and mapping
// zeroed frames for the new range. Any per-page failure undoes the whole
// grow via UvmDealloc and returns the original size.
func (s *Space_t) UvmAlloc(oldSz, newSz uintptr) (uintptr, *defs.Err_t) {
	if newSz < oldSz {
		return oldSz, nil
	}
	start := roundUp(oldSz, PGSIZE)
	for a := start; a < newSz; a += PGSIZE {
		pa, ok := s.alloc.Alloc(s.cpu)
		if !ok {
			s.UvmDealloc(a, start)
			return oldSz, defs.ENOMEM
		}
		zero(s.alloc.Bytes(pa))
		if err := s.MapPages(a, PGSIZE, pa, userPerm, false, nil); err != nil {
			s.alloc.Free(s.cpu, pa)
			s.UvmDealloc(a, start)
			return oldSz, err
		}
	}
	s.Size = newSz
	return newSz, nil
}

// UvmDealloc shrinks the process from oldSz to newSz, unmapping and
// freeing pages above round_up(newSz). Only leaf pages are reclaimed here
// -- interior page-table pages are reclaimed only at UvmFree, sidestepping
// the fragile partial-truncation geometry original_source's free_pagetable
// attempts.
func (s *Space_t) UvmDealloc(oldSz, newSz uintptr) uintptr {
	if newSz >= oldSz {
		return oldSz
	}
	newup := roundUp(newSz, PGSIZE)
	oldup := roundUp(oldSz, PGSIZE)
	if newup < oldup {
		s.Unmap(newup, int(oldup-newup), true)
	}
	s.Size = newSz
	return newSz
}

// UvmCopy is the fork path: for every mapped page in [0, sz), clear the
// parent's W bit, set COW, install the identical physical frame in child
// with the same (COW, !W) permissions, and incref the frame. No physical
// memory is duplicated eagerly.
func (s *Space_t) UvmCopy(child *Space_t, sz uintptr) *defs.Err_t {
	for i := uintptr(0); i < sz; i += PGSIZE {
		pte, _ := s.walk(i, false)
		if pte == nil || *pte&PTE_V == 0 {
			continue
		}
		pa := ptePA(*pte)
		perm := pteFlags(*pte)
		perm &^= PTE_W
		perm |= PTE_COW
		*pte = pa2pte(pa) | perm

		s.alloc.Incref(pa)
		if err := child.MapPages(i, PGSIZE, pa, perm, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// freewalk recursively reclaims page-table pages once every leaf mapping
// beneath them has already been removed.
func (s *Space_t) freewalk(pa frame.Pa_t) {
	ents := s.entries(pa)
	for i := range ents {
		pte := ents[i]
		if pte&PTE_V != 0 && pte&(PTE_R|PTE_W|PTE_X) == 0 {
			s.freewalk(ptePA(pte))
			ents[i] = 0
		} else if pte&PTE_V != 0 {
			panic("vm: freewalk: leaf mapping still present")
		}
	}
	s.alloc.Free(s.cpu, pa)
}

// UvmFree unmaps and frees every user page in [0, sz), then recursively
// frees every interior page-table page including the root. The Space_t
// must not be used again afterward.
func (s *Space_t) UvmFree(sz uintptr) {
	s.Unmap(0, int(sz), true)
	s.freewalk(s.Root)
}
