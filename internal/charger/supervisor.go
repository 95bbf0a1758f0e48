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

package charger

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheCacophonyProject/tc2-charger/cycle"
	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"github.com/TheCacophonyProject/tc2-charger/status"
	"github.com/sirupsen/logrus"
)

var ErrInvalidState = errors.New("invalid charger state")

var errShutdownRequested = errors.New("shutdown requested")

type State int

const (
	StateStartup State = iota + 1
	StateFast
	StateTopping
	StateTrickle
	StateStandby
	StateShutdown
	StateLoadTest
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "startup"
	case StateFast:
		return "fast"
	case StateTopping:
		return "topping"
	case StateTrickle:
		return "trickle"
	case StateStandby:
		return "standby"
	case StateShutdown:
		return "shutdown"
	case StateLoadTest:
		return "load-test"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Cycles are the initialised charge cycles the supervisor sequences.
type Cycles struct {
	Fast    *cycle.Cycle
	Topping *cycle.Cycle
	Trickle *cycle.Cycle
	Standby *cycle.Cycle
}

// Supervisor decides which charge cycle runs. Step is called from a single
// goroutine; State and RequestShutdown may be called from any goroutine.
type Supervisor struct {
	cycles           Cycles
	battery          regulator.BatteryReader
	batterySamples   int
	dischargedMilliV uint32
	sink             status.Sink
	log              logrus.FieldLogger
	now              func() time.Time

	mu         sync.RWMutex
	state      State
	cycleState cycle.State
	shutdown   atomic.Bool
	loadTest   bool
}

type SupervisorConfig struct {
	DischargedMilliV uint32
	BatterySamples   int
	Sink             status.Sink
	Log              logrus.FieldLogger
	Now              func() time.Time
}

func NewSupervisor(cycles Cycles, battery regulator.BatteryReader, conf SupervisorConfig) *Supervisor {
	s := &Supervisor{
		cycles:           cycles,
		battery:          battery,
		batterySamples:   conf.BatterySamples,
		dischargedMilliV: conf.DischargedMilliV,
		sink:             conf.Sink,
		log:              conf.Log,
		now:              conf.Now,
		state:            StateStartup,
	}
	if s.sink == nil {
		s.sink = status.Discard{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CycleState returns the state of the active cycle as of the last step, or
// zero outside a charging stage.
func (s *Supervisor) CycleState() cycle.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycleState
}

// RequestShutdown stops charging at the next step.
func (s *Supervisor) RequestShutdown() {
	s.shutdown.Store(true)
}

// Step runs the active cycle once and moves to the next stage when it
// finishes. It only returns an error for an unrecognised state, after which
// the charger is shut down.
func (s *Supervisor) Step() error {
	defer s.recordCycleState()
	state := s.State()
	if s.shutdown.Load() && state != StateShutdown {
		s.enterShutdown(state, "", errShutdownRequested)
		return nil
	}

	switch state {
	case StateStartup:
		v, err := s.batteryVoltage()
		if err != nil {
			s.enterShutdown(state, "", err)
			return nil
		}
		if v <= s.dischargedMilliV {
			s.begin(state, StateFast, "", v)
		} else {
			s.begin(state, StateTopping, "", v)
		}

	case StateFast:
		cs, err := s.cycles.Fast.Run()
		switch cs {
		case cycle.StateStartup, cycle.StateRunning:
		case cycle.StateDone:
			s.begin(state, StateTopping, cs.String(), 0)
		case cycle.StateTimeout, cycle.StateError:
			s.enterShutdown(state, cs.String(), outcomeErr(cs, err))
		default:
			return s.invalid(state, cs)
		}

	case StateTopping:
		cs, err := s.cycles.Topping.Run()
		switch cs {
		case cycle.StateStartup, cycle.StateRunning:
		case cycle.StateDone:
			s.begin(state, StateTrickle, cs.String(), 0)
		case cycle.StateTimeout, cycle.StateError:
			s.enterShutdown(state, cs.String(), outcomeErr(cs, err))
		default:
			return s.invalid(state, cs)
		}

	case StateTrickle:
		cs, err := s.cycles.Trickle.Run()
		switch cs {
		case cycle.StateStartup, cycle.StateRunning:
		case cycle.StateDone, cycle.StateTimeout:
			s.begin(state, StateStandby, cs.String(), 0)
		case cycle.StateError:
			s.enterShutdown(state, cs.String(), err)
		default:
			return s.invalid(state, cs)
		}

	case StateStandby:
		cs, err := s.cycles.Standby.Run()
		switch cs {
		case cycle.StateStartup, cycle.StateRunning:
		case cycle.StateDone, cycle.StateTimeout:
			v, err := s.batteryVoltage()
			if err != nil {
				s.enterShutdown(state, cs.String(), err)
				return nil
			}
			if v <= s.dischargedMilliV {
				s.begin(state, StateFast, cs.String(), v)
			} else {
				s.begin(state, StateTrickle, cs.String(), v)
			}
		case cycle.StateError:
			s.enterShutdown(state, cs.String(), err)
		default:
			return s.invalid(state, cs)
		}

	case StateShutdown:

	case StateLoadTest:
		if !s.loadTest {
			s.log.Warn("Load test is not implemented")
			s.loadTest = true
		}

	default:
		s.enterShutdown(state, "", ErrInvalidState)
		return fmt.Errorf("%w: %s", ErrInvalidState, state)
	}
	return nil
}

func (s *Supervisor) cycleFor(state State) *cycle.Cycle {
	switch state {
	case StateFast:
		return s.cycles.Fast
	case StateTopping:
		return s.cycles.Topping
	case StateTrickle:
		return s.cycles.Trickle
	case StateStandby:
		return s.cycles.Standby
	}
	return nil
}

// begin moves to next and starts its cycle. A cycle that fails to start
// shuts the charger down.
func (s *Supervisor) begin(from, next State, outcome string, batteryMilliV uint32) {
	if batteryMilliV == 0 {
		// A failed read is picked up by the cycle start below.
		batteryMilliV, _ = s.batteryVoltage()
	}
	s.setState(next)
	s.sink.Transition(status.Transition{
		Time:          s.now(),
		From:          from.String(),
		To:            next.String(),
		Outcome:       outcome,
		BatteryMilliV: batteryMilliV,
	})
	if err := s.cycleFor(next).Start(); err != nil {
		s.enterShutdown(next, "", err)
	}
}

func (s *Supervisor) enterShutdown(from State, outcome string, err error) {
	s.stop(from)
	s.setState(StateShutdown)
	s.sink.Transition(status.Transition{
		Time:    s.now(),
		From:    from.String(),
		To:      StateShutdown.String(),
		Outcome: outcome,
		Err:     err,
	})
}

// stop switches the regulator off through the cycle for state, or through
// every cycle when state has none.
func (s *Supervisor) stop(state State) {
	cycles := []*cycle.Cycle{s.cycleFor(state)}
	if cycles[0] == nil {
		cycles = []*cycle.Cycle{s.cycles.Fast, s.cycles.Topping, s.cycles.Trickle, s.cycles.Standby}
	}
	for _, c := range cycles {
		if err := c.Stop(); err != nil {
			s.log.Errorf("Failed to stop %s cycle: %v", c.Kind(), err)
		}
	}
}

func (s *Supervisor) invalid(state State, cs cycle.State) error {
	err := fmt.Errorf("%w: %s cycle returned %s", ErrInvalidState, state, cs)
	s.enterShutdown(state, cs.String(), err)
	return err
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Supervisor) recordCycleState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycleState = 0
	if c := s.cycleFor(s.state); c != nil {
		s.cycleState = c.State()
	}
}

func (s *Supervisor) batteryVoltage() (uint32, error) {
	v, err := regulator.AverageBattery(s.battery, s.batterySamples)
	if err != nil {
		return 0, fmt.Errorf("reading battery voltage: %w", err)
	}
	return v, nil
}

// outcomeErr describes why a cycle ended in shutdown.
func outcomeErr(cs cycle.State, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("cycle ended with %s", cs)
}
