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

package znet

// Packet is a caller-owned datagram buffer. RecvBatch fills Data[:Len] and
// Addr/Port with the sender's address; SendBatch reads Data[:Len] and
// sends it to Addr/Port. The engine never retains a reference to a Packet
// or its backing array beyond the call that touches it, and never
// allocates or frees Data itself.
type Packet struct {
	// Data is the fixed-capacity backing buffer. Callers size this to the
	// largest datagram they expect to receive or send.
	Data []byte

	// Len is the number of valid bytes in Data, set by RecvBatch and read
	// by SendBatch.
	Len int

	// Addr is an IPv4 address in host byte order: the datagram's source
	// after RecvBatch, its destination before SendBatch.
	Addr uint32

	// Port is a UDP port in host byte order, with the same source/
	// destination convention as Addr.
	Port uint16
}

// NewPacket allocates a Packet with a Data buffer of the given capacity.
func NewPacket(capacity int) *Packet {
	return &Packet{Data: make([]byte, capacity)}
}

// addrToBytes converts a host-order IPv4 address to its 4-byte network
// representation, the form golang.org/x/sys/unix.SockaddrInet4 expects.
func addrToBytes(addr uint32) [4]byte {
	return [4]byte{
		byte(addr >> 24),
		byte(addr >> 16),
		byte(addr >> 8),
		byte(addr),
	}
}

// bytesToAddr converts a 4-byte network-order IPv4 address to a host-order
// uint32.
func bytesToAddr(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
