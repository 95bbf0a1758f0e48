/*
tc2-charger - Multi-stage SLA battery charger controller
Copyright (C) 2025, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package ringbuffer is a fixed capacity FIFO of integer samples that
// overwrites its oldest entry when full.
package ringbuffer

import (
	"golang.org/x/exp/constraints"
)

// Buffer is not safe for concurrent use.
type Buffer[T constraints.Integer] struct {
	data     []T
	head     int // next write
	tail     int // oldest sample
	count    int
	overflow bool
}

func New[T constraints.Integer](capacity int) *Buffer[T] {
	b := &Buffer[T]{}
	b.Init(capacity)
	return b
}

// Init empties the buffer and sets its capacity. A buffer with zero capacity
// discards everything appended to it.
func (b *Buffer[T]) Init(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	b.data = make([]T, capacity)
	b.head, b.tail, b.count = 0, 0, 0
	b.overflow = false
}

// Append adds v, evicting the oldest sample if the buffer is full.
func (b *Buffer[T]) Append(v T) {
	size := len(b.data)
	if size == 0 {
		return
	}
	b.data[b.head] = v
	b.head = (b.head + 1) % size
	if b.count == size {
		b.tail = (b.tail + 1) % size
		b.overflow = true
		return
	}
	b.count++
}

// Get removes and returns the oldest sample. ok is false when empty.
func (b *Buffer[T]) Get() (v T, ok bool) {
	if b.count == 0 {
		return v, false
	}
	v = b.data[b.tail]
	b.tail = (b.tail + 1) % len(b.data)
	b.count--
	return v, true
}

// Peek returns the oldest sample without removing it.
func (b *Buffer[T]) Peek() (v T, ok bool) {
	if b.count == 0 {
		return v, false
	}
	return b.data[b.tail], true
}

// Copy writes up to len(dst) samples, oldest first, without consuming them.
// It returns the number written.
func (b *Buffer[T]) Copy(dst []T) int {
	n := min(len(dst), b.count)
	for i := 0; i < n; i++ {
		dst[i] = b.data[(b.tail+i)%len(b.data)]
	}
	return n
}

// Average returns the integer mean of the held samples, truncated toward
// zero. An empty buffer averages to zero.
func (b *Buffer[T]) Average() T {
	if b.count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < b.count; i++ {
		sum += int64(b.data[(b.tail+i)%len(b.data)])
	}
	return T(sum / int64(b.count))
}

// Overflow reports whether a sample has been evicted since the last call
// and clears the flag.
func (b *Buffer[T]) Overflow() bool {
	o := b.overflow
	b.overflow = false
	return o
}

// Len returns the number of samples held.
func (b *Buffer[T]) Len() int {
	return b.count
}

// Available returns the number of samples that can be appended before the
// oldest is evicted.
func (b *Buffer[T]) Available() int {
	return len(b.data) - b.count
}

func (b *Buffer[T]) Cap() int {
	return len(b.data)
}
