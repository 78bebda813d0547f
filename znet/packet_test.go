package znet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrByteConversionRoundTrip(t *testing.T) {
	addr := uint32(0x7f000001) // 127.0.0.1
	b := addrToBytes(addr)
	require.Equal(t, [4]byte{127, 0, 0, 1}, b)
	require.Equal(t, addr, bytesToAddr(b))
}

func TestNewPacketAllocatesCapacity(t *testing.T) {
	p := NewPacket(128)
	require.Len(t, p.Data, 128)
	require.Equal(t, 0, p.Len)
}
