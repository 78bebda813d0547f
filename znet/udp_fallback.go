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

//go:build !linux

package znet

import (
	"golang.org/x/sys/unix"

	"github.com/whoamikiddie/ztunnel/internal/errors"
)

// recvBatchImpl degrades to a loop of per-datagram non-blocking receives
// on platforms without a vectored batch-receive syscall, stopping at the
// first would-block.
func recvBatchImpl(fd int, buffers []*Packet) (int, error) {
	n := 0
	for _, pkt := range buffers {
		nn, from, err := unix.Recvfrom(fd, pkt.Data, unix.MSG_DONTWAIT)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if n > 0 {
				return n, nil
			}
			return -1, errors.Trace(err)
		}
		pkt.Len = nn
		if sa4, ok := from.(*unix.SockaddrInet4); ok {
			pkt.Addr = bytesToAddr(sa4.Addr)
			pkt.Port = uint16(sa4.Port)
		}
		n++
	}
	return n, nil
}

// sendBatchImpl degrades to a loop of per-datagram non-blocking sends.
func sendBatchImpl(fd int, packets []*Packet) (int, error) {
	n := 0
	for _, pkt := range packets {
		addrBytes := addrToBytes(pkt.Addr)
		sa := &unix.SockaddrInet4{Addr: addrBytes, Port: int(pkt.Port)}
		err := unix.Sendto(fd, pkt.Data[:pkt.Len], unix.MSG_DONTWAIT, sa)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if n > 0 {
				return n, nil
			}
			return -1, errors.Trace(err)
		}
		n++
	}
	return n, nil
}
