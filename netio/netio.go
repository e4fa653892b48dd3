// Package netio gives the socket table's receive queue a concrete shape:
// a bounded-header mbuf and the FIFO queue the socket layer pushes
// arriving packets onto and readers pop from.
//
// Grounded on original_source/kernel/sysnet.c's mbufq_pushtail/
// mbufq_pophead/mbufq_empty call sites (net.h's struct mbuf/mbufq were
// not part of the retrieved pack, so the field layout here is inferred
// from how sockrecvudp and sockread use it: a byte payload with a
// length, queued intrusively and drained head-first).
package netio

// Mbuf_t is one received packet, already stripped to its UDP payload by
// the time it reaches a socket's receive queue.
type Mbuf_t struct {
	Data []byte
	next *Mbuf_t
}

// Len reports the number of payload bytes remaining in the mbuf.
func (m *Mbuf_t) Len() int {
	return len(m.Data)
}

// Queue_t is an intrusive singly-linked FIFO of mbufs, exactly the shape
// sysnet.c's rxq needs: push at the tail, pop from the head.
type Queue_t struct {
	head, tail *Mbuf_t
	n          int
}

// Empty reports whether the queue holds no mbufs.
func (q *Queue_t) Empty() bool {
	return q.head == nil
}

// Len reports the number of mbufs queued.
func (q *Queue_t) Len() int {
	return q.n
}

// PushTail enqueues m at the tail of the queue.
func (q *Queue_t) PushTail(m *Mbuf_t) {
	m.next = nil
	if q.tail == nil {
		q.head = m
		q.tail = m
	} else {
		q.tail.next = m
		q.tail = m
	}
	q.n++
}

// PopHead dequeues and returns the mbuf at the head of the queue, or nil
// if the queue is empty.
func (q *Queue_t) PopHead() *Mbuf_t {
	m := q.head
	if m == nil {
		return nil
	}
	q.head = m.next
	if q.head == nil {
		q.tail = nil
	}
	m.next = nil
	q.n--
	return m
}
