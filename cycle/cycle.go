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

// Package cycle implements the charge cycles. Each cycle is started once per
// visit and then run once per supervisor period until it reports an outcome.
package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/tc2-charger/alarm"
	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"github.com/TheCacophonyProject/tc2-charger/ringbuffer"
	"github.com/TheCacophonyProject/tc2-charger/status"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotInitialised     = errors.New("cycle not initialised")
	ErrAlreadyInitialised = errors.New("cycle already initialised")
	ErrNotStarted         = errors.New("cycle not started")
)

type State int

const (
	StateInit State = iota + 1
	StateStartup
	StateRunning
	StateDone
	StateTimeout
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStartup:
		return "startup"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateTimeout:
		return "timeout"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether a cycle in this state still wants to be run.
func (s State) Active() bool {
	return s == StateStartup || s == StateRunning
}

// Kind selects the control law.
type Kind int

const (
	KindFast Kind = iota + 1
	KindTopping
	KindTrickle
	KindStandby
)

func (k Kind) String() string {
	switch k {
	case KindFast:
		return "fast"
	case KindTopping:
		return "topping"
	case KindTrickle:
		return "trickle"
	case KindStandby:
		return "standby"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Env holds what the cycles share.
type Env struct {
	Timers   *alarm.Pool
	Source   *regulator.Source
	Battery  regulator.BatteryReader
	Smoother *ringbuffer.Buffer[int32]
	Sink     status.Sink
	Log      logrus.FieldLogger
	// SoftStartMilliV is how far below the battery the output starts.
	SoftStartMilliV uint32
	BatterySamples  int
	Now             func() time.Time
}

type Cycle struct {
	kind   Kind
	env    *Env
	log    logrus.FieldLogger
	sink   status.Sink
	now    func() time.Time
	params *Parameters
	timer  alarm.Handle

	state      State
	setVoltage uint32
	nextStatus uint32
	err        error
}

func New(kind Kind, env *Env) *Cycle {
	c := &Cycle{
		kind: kind,
		env:  env,
		log:  env.Log,
		sink: env.Sink,
		now:  env.Now,
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if c.sink == nil {
		c.sink = status.Discard{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Init binds the parameters and allocates the cycle timer. It can only be
// called once per cycle.
func (c *Cycle) Init(p *Parameters) error {
	if c.params != nil {
		return ErrAlreadyInitialised
	}
	c.params = p
	timer, err := c.env.Timers.Add(c.env.Timers.Ticks(c.duration()), nil, nil)
	if err != nil {
		c.params = nil
		return fmt.Errorf("allocating %s timer: %w", c.kind, err)
	}
	c.timer = timer
	c.state = StateInit
	c.setVoltage = 0
	if err := c.env.Source.Off(); err != nil {
		return fmt.Errorf("disabling regulator: %w", err)
	}
	return nil
}

// Start begins a new visit to the cycle. The output is set just below the
// battery voltage before it is enabled so the regulator starts without a
// current surge.
func (c *Cycle) Start() error {
	if c.params == nil {
		return ErrNotInitialised
	}
	c.err = nil
	battery, err := c.battery()
	if err != nil {
		_, err = c.Fail(err)
		return err
	}

	lo, hi := c.env.Source.Limits()
	var v uint32
	switch {
	case battery < lo:
		v = lo
	case battery > hi:
		c.log.Warnf("Battery voltage above %dmV", hi)
		v = hi
	default:
		v = regulator.Clamp(battery-min(battery, c.env.SoftStartMilliV), lo, hi)
	}
	if err := c.env.Source.SetVoltage(v); err != nil {
		_, err = c.Fail(fmt.Errorf("setting soft start voltage: %w", err))
		return err
	}
	c.setVoltage = c.env.Source.SetPoint()

	if c.kind == KindStandby {
		err = c.env.Source.Off()
	} else {
		err = c.env.Source.On()
	}
	if err != nil {
		_, err = c.Fail(fmt.Errorf("switching regulator: %w", err))
		return err
	}

	c.env.Timers.Set(c.timer, c.env.Timers.Ticks(c.duration()))
	c.nextStatus = c.statusTicks()
	c.state = StateStartup
	c.log.Infof("Starting %s charging cycle", c.params.Name)
	return nil
}

// Run performs one control step and returns the resulting state. An error is
// returned alongside StateError when a device read or write failed.
func (c *Cycle) Run() (State, error) {
	switch c.state {
	case StateStartup, StateRunning:
	case StateDone, StateTimeout:
		return c.state, nil
	case StateError:
		return c.state, c.err
	default:
		return c.Fail(ErrNotStarted)
	}

	switch c.kind {
	case KindFast:
		return c.runFast()
	case KindTopping:
		return c.holdVoltage(true)
	case KindTrickle:
		return c.holdVoltage(false)
	case KindStandby:
		return c.runStandby()
	}
	return c.Fail(fmt.Errorf("unknown cycle kind %d", int(c.kind)))
}

// Stop switches the regulator off. It is safe to call at any time.
func (c *Cycle) Stop() error {
	return c.env.Source.Off()
}

// Fail stops the cycle and puts it in the error state.
func (c *Cycle) Fail(err error) (State, error) {
	if stopErr := c.Stop(); stopErr != nil {
		c.log.Errorf("Failed to switch off regulator: %v", stopErr)
	}
	c.state = StateError
	c.err = err
	c.log.Errorf("%s cycle failed: %v", c.kind, err)
	return c.state, err
}

func (c *Cycle) State() State { return c.state }

func (c *Cycle) Kind() Kind { return c.kind }

func (c *Cycle) Err() error { return c.err }

// Commanded returns the output voltage last requested by the control law.
func (c *Cycle) Commanded() uint32 { return c.setVoltage }

func (c *Cycle) StartupTimeRemaining() time.Duration {
	return c.env.Timers.Duration(c.startupTicksRemaining())
}

func (c *Cycle) ChargingTimeRemaining() time.Duration {
	return c.env.Timers.Duration(c.env.Timers.Get(c.timer))
}

func (c *Cycle) ChargingTimeElapsed() time.Duration {
	return c.env.Timers.Duration(c.env.Timers.Elapsed(c.timer))
}

func (c *Cycle) startupTicksRemaining() uint32 {
	startup := c.env.Timers.Ticks(c.params.StartupPeriod)
	elapsed := c.env.Timers.Elapsed(c.timer)
	if elapsed >= startup {
		return 0
	}
	return startup - elapsed
}

func (c *Cycle) duration() time.Duration {
	if c.kind == KindStandby && c.params.IdlePeriod > 0 {
		return c.params.IdlePeriod
	}
	return c.params.MaxDuration
}

func (c *Cycle) statusTicks() uint32 {
	return max(c.env.Timers.Ticks(c.params.StatusPeriod), 1)
}

// expired updates the startup/running state and ends the cycle with a
// timeout once the cycle timer has run out.
func (c *Cycle) expired() (bool, error) {
	if c.startupTicksRemaining() > 0 {
		c.state = StateStartup
	} else {
		c.state = StateRunning
	}
	if c.env.Timers.Get(c.timer) > 0 {
		return false, nil
	}
	return true, c.finish(StateTimeout)
}

func (c *Cycle) finish(s State) error {
	if err := c.Stop(); err != nil {
		_, err = c.Fail(fmt.Errorf("switching regulator off: %w", err))
		return err
	}
	c.state = s
	c.log.Infof("%s cycle finished: %s after %s", c.params.Name, s, status.FormatElapsed(c.ChargingTimeElapsed()))
	return nil
}

func (c *Cycle) battery() (uint32, error) {
	v, err := regulator.AverageBattery(c.env.Battery, c.env.BatterySamples)
	if err != nil {
		return 0, fmt.Errorf("reading battery voltage: %w", err)
	}
	return v, nil
}

// measure reads the averaged output current and battery voltage, feeding
// the current into the display smoother.
func (c *Cycle) measure() (int32, uint32, error) {
	current, err := c.env.Source.CurrentAverage()
	if err != nil {
		return 0, 0, fmt.Errorf("reading charge current: %w", err)
	}
	battery, err := c.battery()
	if err != nil {
		return 0, 0, err
	}
	c.env.Smoother.Append(current)
	return current, battery, nil
}

// command writes a new output voltage, clamped to the regulator range.
func (c *Cycle) command(milliV int64) error {
	lo, hi := c.env.Source.Limits()
	v := uint32(regulator.Clamp(milliV, int64(lo), int64(hi)))
	if v == c.setVoltage {
		return nil
	}
	if err := c.env.Source.SetVoltage(v); err != nil {
		return fmt.Errorf("setting output voltage: %w", err)
	}
	c.setVoltage = v
	return nil
}

// report sends a snapshot once per status period of cycle time.
func (c *Cycle) report(battery uint32) error {
	elapsed := c.env.Timers.Elapsed(c.timer)
	if elapsed < c.nextStatus {
		return nil
	}
	c.nextStatus = elapsed + c.statusTicks()

	bus, err := c.env.Source.Voltage()
	if err != nil {
		return fmt.Errorf("reading output voltage: %w", err)
	}
	c.sink.Status(status.Snapshot{
		Time:          c.now(),
		Title:         c.params.Title,
		Name:          c.params.Name,
		State:         c.state.String(),
		Elapsed:       c.env.Timers.Duration(elapsed),
		BatteryMilliV: battery,
		BusMilliV:     bus,
		CurrentMilliA: c.env.Smoother.Average(),
	})
	return nil
}
