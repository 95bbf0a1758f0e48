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

// Package alarm provides a fixed size pool of countdown timers that are
// advanced by an external periodic tick.
//
// Alarms are never removed from the pool. A handle stays valid for the life
// of the pool and is never reissued, so the pool should be sized for every
// alarm the process will ever need.
package alarm

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultCapacity matches the number of alarm slots on the charger board.
const DefaultCapacity = 16

// ErrResourceExhausted is returned by Add when every slot is in use.
var ErrResourceExhausted = errors.New("alarm pool exhausted")

// MaxTicks is the longest period an alarm can hold.
const MaxTicks = math.MaxUint32

// Handle identifies an alarm within a Pool. Valid handles start at 1.
type Handle int

// Callback is called from Decrement when an alarm reaches zero.
//
// The return value selects how the alarm is rescheduled:
//
//	> 0  restart the full period from when the callback returns
//	< 0  restart the period less the ticks spent since the alarm expired
//	  0  leave the alarm parked at zero
type Callback func(h Handle, data any) int

type entry struct {
	period    uint32
	remaining uint32
	callback  Callback
	data      any
}

// Pool is a bounded collection of alarms. It is safe to call Decrement from
// one goroutine while another goroutine reads or sets individual alarms.
type Pool struct {
	mu       sync.Mutex
	alarms   []entry
	capacity int
	tick     time.Duration
	now      func() time.Time
}

type Option func(*Pool)

// WithClock replaces the clock used to measure callback latency.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// NewPool makes a pool holding up to capacity alarms. tick is the interval
// between calls to Decrement and is the unit of every period in the pool.
func NewPool(capacity int, tick time.Duration, opts ...Option) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if tick <= 0 {
		tick = time.Millisecond
	}
	p := &Pool{
		alarms:   make([]entry, 0, capacity),
		capacity: capacity,
		tick:     tick,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add creates an alarm counting down from period ticks. cb and data may be nil.
func (p *Pool) Add(period uint32, cb Callback, data any) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.alarms) >= p.capacity {
		return 0, ErrResourceExhausted
	}
	p.alarms = append(p.alarms, entry{
		period:    period,
		remaining: period,
		callback:  cb,
		data:      data,
	})
	return Handle(len(p.alarms)), nil
}

// Decrement advances every alarm by one tick, firing callbacks for alarms
// that reach zero. Callbacks run on the caller's goroutine and must be short.
func (p *Pool) Decrement() {
	p.mu.Lock()
	n := len(p.alarms)
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.step(i)
	}
}

func (p *Pool) step(i int) {
	p.mu.Lock()
	a := &p.alarms[i]
	if a.remaining == 0 {
		p.mu.Unlock()
		return
	}
	a.remaining--
	if a.remaining != 0 || a.callback == nil {
		p.mu.Unlock()
		return
	}
	cb, data, period := a.callback, a.data, a.period
	p.mu.Unlock()

	triggered := p.now()
	ret := cb(Handle(i+1), data)
	if ret == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	a = &p.alarms[i]
	if a.remaining != 0 || a.period != period {
		// The callback re-armed the alarm itself.
		return
	}
	if ret > 0 {
		a.remaining = a.period
		return
	}
	late := p.ticksSince(triggered)
	if late >= a.period {
		a.remaining = 1
	} else {
		a.remaining = a.period - late
	}
}

// Get returns the ticks remaining before the alarm expires.
func (p *Pool) Get(h Handle) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup(h).remaining
}

// Elapsed returns the ticks counted since the alarm was last set.
func (p *Pool) Elapsed(h Handle) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.lookup(h)
	return a.period - a.remaining
}

// Set restarts the alarm with a new period.
func (p *Pool) Set(h Handle, period uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.lookup(h)
	a.period = period
	a.remaining = period
}

// Cancel parks the alarm at zero without calling its callback. The slot is
// not released.
func (p *Pool) Cancel(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.lookup(h)
	a.period = 0
	a.remaining = 0
}

// Valid reports whether h was issued by this pool.
func (p *Pool) Valid(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return h >= 1 && int(h) <= len(p.alarms)
}

// Len returns the number of alarms issued.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alarms)
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int {
	return p.capacity
}

// Tick returns the duration of one tick.
func (p *Pool) Tick() time.Duration {
	return p.tick
}

// Ticks converts d to a whole number of ticks, rounding down. Durations
// longer than MaxTicks saturate.
func (p *Pool) Ticks(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	t := d / p.tick
	if t > MaxTicks {
		return MaxTicks
	}
	return uint32(t)
}

// Duration converts a tick count to a duration.
func (p *Pool) Duration(ticks uint32) time.Duration {
	return time.Duration(ticks) * p.tick
}

func (p *Pool) ticksSince(t time.Time) uint32 {
	d := p.now().Sub(t)
	if d <= 0 {
		return 0
	}
	return uint32(d / p.tick)
}

// lookup must be called with p.mu held. An invalid handle is a programming
// error.
func (p *Pool) lookup(h Handle) *entry {
	if h < 1 || int(h) > len(p.alarms) {
		panic(fmt.Sprintf("alarm: invalid handle %d", h))
	}
	return &p.alarms[h-1]
}
