package znet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestUDPLoopbackRoundTrip is spec.md §8 scenario 5: a packet sent from a
// sender-bound socket to a receiver-bound port on loopback is received
// bit-identical, with correct source address/port.
func TestUDPLoopbackRoundTrip(t *testing.T) {
	receiver, err := BindUDP(0)
	require.NoError(t, err)
	defer receiver.Close()

	recvPort, err := receiver.LocalPort()
	require.NoError(t, err)

	sender, err := BindUDP(0)
	require.NoError(t, err)
	defer sender.Close()

	payload := []byte("HELLO ZNET")
	out := NewPacket(64)
	copy(out.Data, payload)
	out.Len = len(payload)
	out.Addr = 0x7f000001 // 127.0.0.1
	out.Port = recvPort

	n, err := sender.SendBatch([]*Packet{out})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var received *Packet
	deadline := time.Now().Add(10 * time.Millisecond)
	for time.Now().Before(deadline) {
		in := NewPacket(64)
		recvN, err := receiver.RecvBatch([]*Packet{in})
		require.NoError(t, err)
		if recvN == 1 {
			received = in
			break
		}
	}

	require.NotNil(t, received, "expected a packet within 10ms")
	require.Equal(t, len(payload), received.Len)
	require.Equal(t, payload, received.Data[:received.Len])
	require.Equal(t, uint32(0x7f000001), received.Addr)
}

func TestUDPRecvBatchEmptyQueueReturnsZero(t *testing.T) {
	e, err := BindUDP(0)
	require.NoError(t, err)
	defer e.Close()

	in := NewPacket(64)
	n, err := e.RecvBatch([]*Packet{in})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBindUDPEphemeralPortIsNonZero(t *testing.T) {
	e, err := BindUDP(0)
	require.NoError(t, err)
	defer e.Close()

	port, err := e.LocalPort()
	require.NoError(t, err)
	require.NotZero(t, port)
}
