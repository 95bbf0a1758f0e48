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

// Package status carries charger progress reports to wherever they are shown.
package status

import (
	"fmt"
	"sync"
	"time"
)

// Snapshot is a periodic progress report from the running cycle.
type Snapshot struct {
	Time          time.Time
	Title         string
	Name          string
	State         string
	Elapsed       time.Duration
	BatteryMilliV uint32
	BusMilliV     uint32
	CurrentMilliA int32
}

// Transition is reported each time the supervisor changes stage.
type Transition struct {
	Time          time.Time
	From          string
	To            string
	Outcome       string
	BatteryMilliV uint32
	Err           error
}

// Sink receives reports. Implementations must not block the caller for long
// and deal with their own failures.
type Sink interface {
	Status(Snapshot)
	Transition(Transition)
}

// Multi sends every report to each sink in turn.
type Multi []Sink

func (m Multi) Status(s Snapshot) {
	for _, sink := range m {
		sink.Status(s)
	}
}

func (m Multi) Transition(t Transition) {
	for _, sink := range m {
		sink.Transition(t)
	}
}

// Discard drops all reports.
type Discard struct{}

func (Discard) Status(Snapshot)       {}
func (Discard) Transition(Transition) {}

// Latest keeps the most recent reports for readers on other goroutines.
type Latest struct {
	mu         sync.RWMutex
	snapshot   Snapshot
	transition Transition
	haveStatus bool
}

func (l *Latest) Status(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot = s
	l.haveStatus = true
}

func (l *Latest) Transition(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transition = t
}

// Snapshot returns the last status report, ok is false if there hasn't been one.
func (l *Latest) Snapshot() (s Snapshot, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot, l.haveStatus
}

func (l *Latest) LastTransition() Transition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.transition
}

// FormatElapsed renders d as HH:MM:SS, or HHH:MM once it reaches 100 hours.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total / 60) % 60
	seconds := total % 60
	if hours >= 100 {
		return fmt.Sprintf("%03d:%02d", hours, minutes)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
