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

// connectTimeoutMS is the hard timeout on TCP pool connects, per spec.
const connectTimeoutMS = 100

// prewarmCount is the number of entries a freshly created Pool connects
// synchronously before returning.
const prewarmCount = 4

// ErrPoolExhausted is returned by Acquire when every entry is either
// in use or the pool's target is unreachable.
var ErrPoolExhausted = errors.TraceNew("znet: connection pool exhausted")

type poolEntry struct {
	fd       int
	inUse    bool
	lastUsed int64 // milliseconds, monotonic
}

// Pool is a fixed-size array of pre-warmed TCP connections to a single
// target. It owns exclusive ownership of every fd it holds and is not
// safe for concurrent use: the current contract is single-threaded
// ownership of the pool, and callers sharing one across goroutines must
// serialise acquire/release externally.
type Pool struct {
	entries    []poolEntry
	targetAddr [4]byte
	targetPort int
}

// Conn is a leased connection borrowed from a Pool. Callers must call
// Release exactly once when done; Release does not close the underlying
// fd, only returns it to the pool for re-validation at the next Acquire.
type Conn struct {
	pool *Pool
	idx  int
	Fd   int
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	c.pool.release(c.idx)
}

// NewPool allocates a fixed-size pool of maxConns entries targeting
// (targetAddr, targetPort), then synchronously pre-warms min(4, maxConns)
// of them. A pre-warm connect failure is not fatal to pool creation — the
// slot is simply left empty for a later Acquire to retry.
func NewPool(maxConns int, targetAddr [4]byte, targetPort int) *Pool {
	p := &Pool{
		entries:    make([]poolEntry, maxConns),
		targetAddr: targetAddr,
		targetPort: targetPort,
	}
	for i := range p.entries {
		p.entries[i].fd = -1
	}

	warm := prewarmCount
	if maxConns < warm {
		warm = maxConns
	}
	for i := 0; i < warm; i++ {
		fd, err := p.connect()
		if err != nil {
			continue
		}
		p.entries[i].fd = fd
		p.entries[i].lastUsed = NowNS() / 1e6
	}
	return p
}

// connect opens a TCP socket to the pool's target, enables TCP_NODELAY,
// and connects with a hard 100ms timeout: switch to non-blocking,
// initiate the connect, wait for writability, check SO_ERROR, then
// restore blocking mode. Any failed step closes the fd and returns a
// traced error.
func (p *Pool) connect() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Trace(err)
	}

	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return -1, errors.Trace(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return -1, errors.Trace(err)
	}

	sa := &unix.SockaddrInet4{Addr: p.targetAddr, Port: p.targetPort}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return -1, errors.Trace(err)
	}

	pollFds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pollFds, connectTimeoutMS)
	if err != nil {
		return -1, errors.Trace(err)
	}
	if n == 0 {
		return -1, errors.TraceNew("znet: connect timed out")
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return -1, errors.Trace(err)
	}
	if soErr != 0 {
		return -1, errors.Trace(unix.Errno(soErr))
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		return -1, errors.Trace(err)
	}

	ok = true
	return fd, nil
}

// livenessPeek performs a 1-byte non-blocking peek on fd, per spec's
// MSG_PEEK|MSG_DONTWAIT contract: a 0-byte read means the peer half-
// closed (dead), EAGAIN/EWOULDBLOCK means alive with nothing queued, and
// any other error means dead.
func livenessPeek(fd int) bool {
	var buf [1]byte
	n, _, err := unix.Recvfrom(fd, buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		return err == unix.EAGAIN || err == unix.EWOULDBLOCK
	}
	return n > 0
}

// Acquire leases a connection. It first scans for an idle entry with a
// live fd (validated with a liveness peek); dead entries found this way
// are closed and reset. Failing that, it scans for an empty slot and
// attempts a fresh connect into it. Returns ErrPoolExhausted if every
// slot is either in use or unreachable.
func (p *Pool) Acquire() (*Conn, error) {
	for i := range p.entries {
		e := &p.entries[i]
		if e.inUse || e.fd < 0 {
			continue
		}
		if livenessPeek(e.fd) {
			e.inUse = true
			e.lastUsed = NowNS() / 1e6
			return &Conn{pool: p, idx: i, Fd: e.fd}, nil
		}
		unix.Close(e.fd)
		e.fd = -1
	}

	for i := range p.entries {
		e := &p.entries[i]
		if e.fd >= 0 {
			continue
		}
		fd, err := p.connect()
		if err != nil {
			continue
		}
		e.fd = fd
		e.inUse = true
		e.lastUsed = NowNS() / 1e6
		return &Conn{pool: p, idx: i, Fd: fd}, nil
	}

	return nil, ErrPoolExhausted
}

// release clears the in-use flag and stamps last-used time on entry idx.
// It does not close the fd; the next Acquire re-validates it.
func (p *Pool) release(idx int) {
	p.entries[idx].inUse = false
	p.entries[idx].lastUsed = NowNS() / 1e6
}

// Available returns the count of entries that are not in use and hold a
// live fd.
func (p *Pool) Available() int {
	n := 0
	for _, e := range p.entries {
		if !e.inUse && e.fd >= 0 {
			n++
		}
	}
	return n
}

// Close closes every fd the pool holds. The Pool must not be used after
// Close.
func (p *Pool) Close() error {
	var firstErr error
	for i := range p.entries {
		e := &p.entries[i]
		if e.fd < 0 {
			continue
		}
		if err := unix.Close(e.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		e.fd = -1
	}
	return errors.Trace(firstErr)
}
