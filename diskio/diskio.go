// Package diskio gives the spec's external disk_rw(dev, buf, write?)
// collaborator a concrete Go shape: an interface the buffer cache issues
// requests against, plus a RAM-backed test double.
//
// Grounded on biscuit's fs/blk.go Disk_i interface and its Bdev_req_t/
// MkRequest/AckCh request-channel pattern -- kept for the request/ack
// shape, not biscuit's block-list batching, which this subsystem's
// single-block read/write contract has no use for.
package diskio

import "sync"

// BSIZE is the size in bytes of one disk block.
const BSIZE = 4096

// Cmd_t enumerates disk request kinds.
type Cmd_t uint

const (
	CmdRead Cmd_t = iota
	CmdWrite
)

// Request_t describes one block transfer. AckCh is closed (not merely
// sent on) once the transfer completes, so synchronous callers can
// receive-and-block while asynchronous callers may simply ignore it.
type Request_t struct {
	Cmd     Cmd_t
	Dev     int
	Blockno int
	Data    []byte
	AckCh   chan struct{}
}

// MkRequest allocates a new disk request for a synchronous or
// fire-and-forget transfer.
func MkRequest(cmd Cmd_t, dev, blockno int, data []byte) *Request_t {
	return &Request_t{Cmd: cmd, Dev: dev, Blockno: blockno, Data: data, AckCh: make(chan struct{})}
}

// Disk_i is the external disk collaborator's entry point: start an
// asynchronous transfer, signalling completion on the request's AckCh.
type Disk_i interface {
	Start(*Request_t)
}

// blockKey_t identifies a block uniquely across every device a RAMDisk_t
// backs, so that two devices requesting the same block number never
// alias onto the same backing storage.
type blockKey_t struct {
	dev     int
	blockno int
}

// RAMDisk_t is an in-memory Disk_i test double: every block the buffer
// cache reads or writes is held in a map, as if disk_rw wrote straight
// through to backing storage with no queuing delay.
type RAMDisk_t struct {
	mu     sync.Mutex
	blocks map[blockKey_t][BSIZE]byte
}

// NewRAMDisk builds an empty RAM-backed disk.
func NewRAMDisk() *RAMDisk_t {
	return &RAMDisk_t{blocks: make(map[blockKey_t][BSIZE]byte)}
}

// Start services req synchronously (there is no real seek/transfer delay
// to overlap) and then closes req.AckCh.
func (d *RAMDisk_t) Start(req *Request_t) {
	k := blockKey_t{dev: req.Dev, blockno: req.Blockno}
	d.mu.Lock()
	switch req.Cmd {
	case CmdRead:
		blk := d.blocks[k]
		copy(req.Data, blk[:])
	case CmdWrite:
		var blk [BSIZE]byte
		copy(blk[:], req.Data)
		d.blocks[k] = blk
	}
	d.mu.Unlock()
	close(req.AckCh)
}
