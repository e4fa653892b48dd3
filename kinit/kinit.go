// Package kinit wires the subsystem's boot order: the frame allocator's
// refcount table must exist before anything allocates, the kernel's own
// page table must be built before paging is enabled, and the buffer
// cache and socket table only make sense once memory management is up.
//
// Grounded on biscuit's mem/mem.go Phys_init (reserves a fixed region,
// seeds refcounts, then builds the per-CPU freelists) and mem/dmap.go's
// Dmap_init (a distinct, later boot stage) -- generalized into one Boot
// entry point since this module has no separate bootloader calling each
// stage in turn.
package kinit

import (
	"kcore/bcache"
	"kcore/diskio"
	"kcore/frame"
	"kcore/socket"
	"kcore/vm"
)

// Config describes the machine this boot sequence targets.
type Config struct {
	PhysTop        int
	ReservedFrames int
	NCPU           int

	NBuf        int
	BucketCount int
	BucketWidth int

	SocketBuckets int

	Disk        diskio.Disk_i
	Transmitter socket.Transmitter_i
}

// System_t holds every subsystem Boot constructs, wired together and
// ready to serve requests.
type System_t struct {
	Alloc   *frame.Allocator_t
	Kernel  *vm.Space_t
	Cache   *bcache.Cache_t
	Sockets *socket.Table_t
}

// Boot brings the subsystem up in the required order: frame allocator
// (with its refcount table already seeded by frame.New's own free
// sweep), kernel address space, buffer cache, socket table.
func Boot(cfg Config) *System_t {
	alloc := frame.New(frame.Config{
		PhysTop:        cfg.PhysTop,
		ReservedFrames: cfg.ReservedFrames,
		NCPU:           cfg.NCPU,
	})

	kernel, errv := vm.NewSpace(alloc, 0)
	if errv != nil {
		panic("kinit: failed to build the kernel address space: " + errv.Error())
	}

	cache := bcache.New(bcache.Config{
		NBuf:        cfg.NBuf,
		BucketCount: cfg.BucketCount,
		BucketWidth: cfg.BucketWidth,
	}, cfg.Disk)

	sockets := socket.NewTable(cfg.SocketBuckets, cfg.Transmitter)

	return &System_t{
		Alloc:   alloc,
		Kernel:  kernel,
		Cache:   cache,
		Sockets: sockets,
	}
}
