package kinit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kcore/diskio"
	"kcore/frame"
)

type nopTransmitter struct{}

func (nopTransmitter) TransmitUDP(payload []byte, raddr uint32, lport, rport uint16) {}

func TestBootWiresEverySubsystem(t *testing.T) {
	sys := Boot(Config{
		PhysTop:        256 * frame.PGSIZE,
		ReservedFrames: 0,
		NCPU:           2,
		NBuf:           4,
		BucketCount:    3,
		BucketWidth:    2,
		SocketBuckets:  4,
		Disk:           diskio.NewRAMDisk(),
		Transmitter:    nopTransmitter{},
	})

	require.NotNil(t, sys.Alloc)
	require.NotNil(t, sys.Kernel)
	require.NotNil(t, sys.Cache)
	require.NotNil(t, sys.Sockets)

	// the booted system is immediately usable: allocate through the
	// kernel space, then read/write a block through the cache.
	_, errv := sys.Kernel.UvmAlloc(0, uintptr(frame.PGSIZE))
	require.Nil(t, errv)

	b := sys.Cache.Read(0, 0)
	b.Data[0] = 9
	sys.Cache.Write(b)
	sys.Cache.Release(b)

	s, errv := sys.Sockets.Alloc(1, 2, 3)
	require.Nil(t, errv)
	require.NotNil(t, s)
}
