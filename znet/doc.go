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

/*

Package znet provides the low-level I/O toolkit underneath a tunnel's data
plane: a non-blocking batched UDP engine, a nanosecond-precision token
bucket throttler, and a pre-warmed TCP connection pool. Every component is
synchronous and single-threaded — there is no background goroutine, no
internal mutex, no channel. Callers who share a *UDPEngine, *Throttler, or
*Pool across goroutines must serialise access themselves.

*/
package znet
