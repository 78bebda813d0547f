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

import "golang.org/x/sys/unix"

// NowNS returns a monotonic nanosecond timestamp, backed by
// CLOCK_MONOTONIC. It never regresses within a process's lifetime.
func NowNS() int64 {
	var ts unix.Timespec
	// CLOCK_MONOTONIC is always available on every platform x/sys/unix
	// supports; a failure here indicates a kernel too old to run this
	// program at all, so it is not worth propagating as an error.
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano()
}

// SleepNS blocks the calling goroutine for at least ns nanoseconds, using
// the kernel's nanosleep rather than Go's timer heap.
func SleepNS(ns int64) {
	if ns <= 0 {
		return
	}
	ts := unix.NsecToTimespec(ns)
	for {
		rem := unix.Timespec{}
		err := unix.Nanosleep(&ts, &rem)
		if err == nil || err != unix.EINTR {
			return
		}
		ts = rem
	}
}

// Cycles returns an advisory, monotonically increasing counter suitable
// for short busy-wait loops. This module has no cgo or platform assembly,
// so unlike a true x86 RDTSC it is backed by NowNS — cheaper than a
// syscall-bound clock read is not a goal here, only a call any busy-wait
// code can poll without blocking.
func Cycles() uint64 {
	return uint64(NowNS())
}

// Pause is a CPU hint for a busy-wait spin body. It has no syscall or
// assembly backing; it exists so that throttler.busyWait's loop reads the
// same as a systems-language port's `_mm_pause()`/`yield` call, and is a
// safe no-op to call at high frequency.
func Pause() {}
