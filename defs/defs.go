// Package defs holds the error vocabulary shared by every package in this
// module, mirroring the (value, Err_t) convention biscuit's own vm and fs
// packages use at their call sites.
package defs

// Err_t is a kernel-style sentinel error. Unlike biscuit's bare int
// sentinels, Err_t satisfies the standard error interface so it composes
// with errors.Is and fmt.Errorf("%w", ...).
type Err_t struct {
	name string
}

func (e *Err_t) Error() string {
	if e == nil {
		return "<nil Err_t>"
	}
	return e.name
}

func mkerr(name string) *Err_t {
	return &Err_t{name: name}
}

var (
	// EFAULT: invalid user memory access (VA outside the process region,
	// or a copy that ran off the end of mapped memory).
	EFAULT = mkerr("EFAULT")
	// ENOMEM: the frame allocator has no free frames on any CPU.
	ENOMEM = mkerr("ENOMEM")
	// ENOHEAP: a kernel allocation failed for want of heap, distinct from
	// ENOMEM's frame-allocator exhaustion.
	ENOHEAP = mkerr("ENOHEAP")
	// ENAMETOOLONG: copy_in_str copied its maximum number of bytes without
	// finding a terminating zero byte.
	ENAMETOOLONG = mkerr("ENAMETOOLONG")
	// EEXIST: sock_alloc found a socket already registered under the
	// requested (raddr, lport, rport) triple.
	EEXIST = mkerr("EEXIST")
	// EINVAL: read or write on a socket that has been closed.
	EINVAL = mkerr("EINVAL")
	// ENOENT: close or deliver_udp found no matching socket/buffer.
	ENOENT = mkerr("ENOENT")
)
