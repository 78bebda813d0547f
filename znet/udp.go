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

import (
	"golang.org/x/sys/unix"

	"github.com/whoamikiddie/ztunnel/internal/errors"
)

// udpRecvBufferBytes and udpSendBufferBytes are the best-effort socket
// buffer sizes requested on every bound UDP socket.
const (
	udpRecvBufferBytes = 4 * 1024 * 1024
	udpSendBufferBytes = 4 * 1024 * 1024
)

// UDPEngine is a non-blocking, batch-oriented UDP socket. All operations
// run on the calling goroutine; there is no background reader.
type UDPEngine struct {
	fd int
}

// BindUDP opens an AF_INET datagram socket, enables address reuse, requests
// 4 MiB send/receive buffers (best-effort — the kernel may clamp this), and
// binds to (INADDR_ANY, port). port == 0 selects an ephemeral port. Any
// failed step closes the socket and returns a traced error.
func BindUDP(port uint16) (*UDPEngine, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, errors.Trace(err)
	}

	// Best-effort: the kernel may cap these below the request. Failure to
	// set a larger buffer is not fatal to binding the socket.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, udpRecvBufferBytes)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, udpSendBufferBytes)

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		return nil, errors.Trace(err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, errors.Trace(err)
	}

	ok = true
	return &UDPEngine{fd: fd}, nil
}

// LocalPort returns the port the engine is bound to, resolving an
// ephemeral port (BindUDP(0)) to its kernel-assigned value.
func (e *UDPEngine) LocalPort() (uint16, error) {
	sa, err := unix.Getsockname(e.fd)
	if err != nil {
		return 0, errors.Trace(err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.TraceNew("znet: unexpected socket address family")
	}
	return uint16(sa4.Port), nil
}

// RecvBatch fills up to len(buffers) packets with datagrams currently
// queued, non-blocking. It returns the number of packets received: 0 if
// the queue is empty, a positive count on success, or -1 on a fatal
// socket error (the error itself is also returned for callers that want
// detail; the spec-level contract is the returned count).
func (e *UDPEngine) RecvBatch(buffers []*Packet) (int, error) {
	if len(buffers) == 0 {
		return 0, nil
	}
	return recvBatchImpl(e.fd, buffers)
}

// SendBatch sends each packet's Data[:Len] to (Addr, Port). It returns the
// number of packets accepted by the kernel, which may be less than
// len(packets) on partial progress, or -1 only on a hard failure with zero
// packets accepted.
func (e *UDPEngine) SendBatch(packets []*Packet) (int, error) {
	if len(packets) == 0 {
		return 0, nil
	}
	return sendBatchImpl(e.fd, packets)
}

// Close releases the underlying socket.
func (e *UDPEngine) Close() error {
	return errors.Trace(unix.Close(e.fd))
}
