// Package socket implements the UDP socket table: registration keyed by
// (remote address, local port, remote port), a receive queue per socket,
// and delivery of inbound datagrams to the socket that owns them.
//
// Grounded on original_source/kernel/sysnet.c's sockalloc/sockread/
// sockwrite/sockclose/sockrecvudp, with the duplicate-key/lookup scan
// sysnet.c does over a linked list replaced by hashtable.Hashtable_t
// (adapted with a Sockkey_t case, see that package) keyed on the same
// triple.
package socket

import (
	"kcore/defs"
	"kcore/hashtable"
	"kcore/lock"
	"kcore/netio"
)

// Transmitter_i is the external send-path collaborator: handing a
// datagram's payload to the network device for transmission to
// (raddr, lport, rport). Out of scope to implement against real
// hardware, mirroring how diskio.Disk_i stands in for the disk.
type Transmitter_i interface {
	TransmitUDP(payload []byte, raddr uint32, lport, rport uint16)
}

// Sock_t is one registered UDP socket: its key, a lock guarding its
// receive queue, and a wait channel readers block on when the queue is
// empty.
type Sock_t struct {
	mu     lock.Spinlock_t
	waitch *lock.Waitchan_t

	key    hashtable.Sockkey_t
	rxq    netio.Queue_t
	closed bool
}

// Table_t is the socket table: a hash table mapping Sockkey_t to *Sock_t,
// plus the transmitter every Write call hands outbound data to. Inserts
// and deletes lock only the key's bucket and lookups take no lock; there
// is no single table-wide lock.
type Table_t struct {
	ht *hashtable.Hashtable_t
	tx Transmitter_i
}

// NewTable builds an empty socket table of the given bucket count.
func NewTable(buckets int, tx Transmitter_i) *Table_t {
	return &Table_t{ht: hashtable.MkHash(buckets), tx: tx}
}

// Alloc registers a new socket for (raddr, lport, rport). It fails with
// EEXIST if a socket with that exact triple is already registered,
// mirroring sockalloc's duplicate check.
func (t *Table_t) Alloc(raddr uint32, lport, rport uint16) (*Sock_t, *defs.Err_t) {
	k := hashtable.Sockkey_t{Raddr: raddr, Lport: lport, Rport: rport}
	s := &Sock_t{key: k}
	s.waitch = lock.NewWaitchan(&s.mu)
	if _, inserted := t.ht.Set(k, s); !inserted {
		return nil, defs.EEXIST
	}
	return s, nil
}

func (t *Table_t) lookup(k hashtable.Sockkey_t) (*Sock_t, bool) {
	v, ok := t.ht.Get(k)
	if !ok {
		return nil, false
	}
	return v.(*Sock_t), true
}

// Close removes s from the table and drains its receive queue. s must
// not be used afterward.
func (t *Table_t) Close(s *Sock_t) {
	t.ht.Del(s.key)
	s.mu.Lock()
	s.closed = true
	for !s.rxq.Empty() {
		s.rxq.PopHead()
	}
	s.waitch.Wakeup()
	s.mu.Unlock()
}

// Read blocks until s has a queued datagram (or is closed), then copies
// up to len(dst) bytes of the oldest queued datagram into dst and
// returns how many bytes were copied.
func (s *Sock_t) Read(dst []byte) (int, *defs.Err_t) {
	s.mu.Lock()
	for s.rxq.Empty() && !s.closed {
		s.waitch.Sleep()
	}
	if s.rxq.Empty() {
		s.mu.Unlock()
		return 0, defs.EINVAL
	}
	m := s.rxq.PopHead()
	s.mu.Unlock()

	n := len(dst)
	if n > m.Len() {
		n = m.Len()
	}
	copy(dst[:n], m.Data[:n])
	return n, nil
}

// Write hands data to the transmitter addressed to s's remote peer.
func (t *Table_t) Write(s *Sock_t, data []byte) (int, *defs.Err_t) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, defs.EINVAL
	}
	t.tx.TransmitUDP(data, s.key.Raddr, s.key.Lport, s.key.Rport)
	return len(data), nil
}

// DeliverUDP is called by the protocol handler layer with an inbound
// datagram's payload; it finds the socket registered for the triple and
// queues the datagram, waking any blocked reader. A datagram for which
// no socket is registered is silently dropped.
func (t *Table_t) DeliverUDP(raddr uint32, lport, rport uint16, payload []byte) {
	s, ok := t.lookup(hashtable.Sockkey_t{Raddr: raddr, Lport: lport, Rport: rport})
	if !ok {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.rxq.PushTail(&netio.Mbuf_t{Data: payload})
		s.waitch.Wakeup()
	}
	s.mu.Unlock()
}
