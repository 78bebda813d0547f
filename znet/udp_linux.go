/*
 * Copyright (c) 2019, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

//go:build linux

package znet

import (
	"golang.org/x/sys/unix"

	"github.com/whoamikiddie/ztunnel/internal/errors"
)

// recvBatchImpl uses a single unix.Recvmmsg vectored syscall to drain up to
// len(buffers) queued datagrams in one kernel round-trip.
func recvBatchImpl(fd int, buffers []*Packet) (int, error) {
	msgs := make([]unix.Message, len(buffers))
	for i, pkt := range buffers {
		msgs[i].Buffers = [][]byte{pkt.Data}
	}

	n, err := unix.Recvmmsg(fd, msgs, unix.MSG_DONTWAIT, nil)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return -1, errors.Trace(err)
	}

	for i := 0; i < n; i++ {
		buffers[i].Len = msgs[i].N
		if sa4, ok := msgs[i].Addr.(*unix.SockaddrInet4); ok {
			buffers[i].Addr = bytesToAddr(sa4.Addr)
			buffers[i].Port = uint16(sa4.Port)
		}
	}
	return n, nil
}

// sendBatchImpl uses a single unix.Sendmmsg vectored syscall to send up to
// len(packets) datagrams in one kernel round-trip.
func sendBatchImpl(fd int, packets []*Packet) (int, error) {
	msgs := make([]unix.Message, len(packets))
	for i, pkt := range packets {
		addrBytes := addrToBytes(pkt.Addr)
		msgs[i].Buffers = [][]byte{pkt.Data[:pkt.Len]}
		msgs[i].Addr = &unix.SockaddrInet4{Addr: addrBytes, Port: int(pkt.Port)}
	}

	n, err := unix.Sendmmsg(fd, msgs, unix.MSG_DONTWAIT)
	if n == 0 && err != nil {
		return -1, errors.Trace(err)
	}
	return n, nil
}
