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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/TheCacophonyProject/tc2-charger/config"
	"github.com/TheCacophonyProject/tc2-charger/cycle"
	"github.com/TheCacophonyProject/tc2-charger/internal/sim"
	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"github.com/TheCacophonyProject/tc2-charger/status"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stepPeriod = 100 * time.Millisecond

type recorder struct {
	mu          sync.Mutex
	transitions []status.Transition
	snapshots   []status.Snapshot
}

func (r *recorder) Status(s status.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) Transition(t status.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) path() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var to []string
	for _, t := range r.transitions {
		to = append(to, t.To)
	}
	return to
}

func (r *recorder) last() status.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return status.Transition{}
	}
	return r.transitions[len(r.transitions)-1]
}

// testConfig shortens the cycles so a whole charge runs in a few thousand
// steps against a fast charging battery model.
func testConfig() *config.Config {
	conf := config.Default()
	conf.Fast.StepMilliV = 50
	conf.Fast.StartupPeriod = 5 * time.Second
	conf.Fast.MaxDuration = 30 * time.Minute
	conf.Topping.StepMilliV = 50
	conf.Topping.StartupPeriod = 5 * time.Second
	conf.Topping.MaxDuration = 30 * time.Minute
	conf.Trickle.StepMilliV = 50
	conf.Trickle.StartupPeriod = 2 * time.Second
	conf.Trickle.MaxDuration = 20 * time.Second
	conf.Storage.StartupPeriod = time.Second
	conf.Storage.IdlePeriod = 20 * time.Second
	return conf
}

type testRig struct {
	plant   *sim.Plant
	charger *Charger
	sink    *recorder
	clock   time.Time
}

func newTestRig(t *testing.T, conf *config.Config, batteryMilliV, chargeGain float64) *testRig {
	simConf := sim.DefaultConfig()
	simConf.Regulator = conf.Regulator
	simConf.BatteryMilliV = batteryMilliV
	simConf.ChargeGain = chargeGain
	plant := sim.New(simConf)

	source := regulator.New(conf.Regulator, plant.Sensor(), plant.Actuator(), plant.Pin(), plant.BatteryReader())
	require.NoError(t, source.Check())

	log := logrus.New()
	log.Out = io.Discard

	r := &testRig{
		plant: plant,
		sink:  &recorder{},
		clock: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	c, err := New(conf, source, plant.BatteryReader(), r.sink, log, func() time.Time { return r.clock })
	require.NoError(t, err)
	r.charger = c
	return r
}

func (r *testRig) step(t *testing.T) {
	r.plant.Advance(stepPeriod)
	r.clock = r.clock.Add(stepPeriod)
	require.NoError(t, r.charger.Advance())
}

// stepUntil steps until done returns true or n steps have run, returning
// the number of steps taken.
func (r *testRig) stepUntil(t *testing.T, n int, done func() bool) int {
	for i := 1; i <= n; i++ {
		r.step(t)
		if done() {
			return i
		}
	}
	return n
}

func (r *testRig) state() State {
	return r.charger.Supervisor().State()
}

func TestFullChargeSequence(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)

	r.stepUntil(t, 5000, func() bool { return len(r.sink.path()) >= 5 })

	assert.Equal(t, []string{"fast", "topping", "trickle", "standby", "trickle"}, r.sink.path())
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	tr := r.sink.transitions
	assert.Equal(t, "startup", tr[0].From)
	assert.Equal(t, "done", tr[1].Outcome)
	assert.Equal(t, "done", tr[2].Outcome)
	assert.Equal(t, "timeout", tr[3].Outcome)
	assert.Equal(t, "timeout", tr[4].Outcome)
	for _, tt := range tr {
		assert.NoError(t, tt.Err)
	}
	assert.GreaterOrEqual(t, tr[1].BatteryMilliV, uint32(14400))
	assert.Greater(t, tr[4].BatteryMilliV, uint32(13000))
	assert.NotEmpty(t, r.sink.snapshots)
}

func TestChargedBatteryStartsWithTopping(t *testing.T) {
	r := newTestRig(t, testConfig(), 13500, 0.05)
	require.NoError(t, r.charger.Advance())
	assert.Equal(t, StateTopping, r.state())
	assert.Equal(t, []string{"topping"}, r.sink.path())
	assert.Equal(t, uint32(13500), r.sink.last().BatteryMilliV)
	assert.True(t, r.plant.IsOn())
}

func TestDischargeThresholdIsInclusive(t *testing.T) {
	r := newTestRig(t, testConfig(), 13000, 0.05)
	require.NoError(t, r.charger.Advance())
	assert.Equal(t, StateFast, r.state())
}

func TestStartupReadErrorShutsDown(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	boom := errors.New("adc stuck")
	r.plant.Fail(boom)
	r.step(t)

	assert.Equal(t, StateShutdown, r.state())
	last := r.sink.last()
	assert.Equal(t, "startup", last.From)
	assert.ErrorIs(t, last.Err, boom)
	assert.False(t, r.plant.IsOn())
}

func TestFastTimeoutShutsDown(t *testing.T) {
	conf := testConfig()
	conf.Fast.MaxDuration = 10 * time.Second
	// The battery never charges.
	r := newTestRig(t, conf, 12000, 0)

	steps := r.stepUntil(t, 500, func() bool { return r.state() == StateShutdown })

	// One step to leave startup, then a hundred to use up ten seconds.
	assert.Equal(t, 101, steps)
	last := r.sink.last()
	assert.Equal(t, "fast", last.From)
	assert.Equal(t, "shutdown", last.To)
	assert.Equal(t, "timeout", last.Outcome)
	assert.Error(t, last.Err)
	assert.False(t, r.plant.IsOn())
}

func TestCycleErrorShutsDown(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	r.stepUntil(t, 20, func() bool { return false })
	require.Equal(t, StateFast, r.state())
	require.True(t, r.plant.IsOn())

	boom := errors.New("sensor gone")
	r.plant.Fail(boom)
	r.step(t)

	assert.Equal(t, StateShutdown, r.state())
	last := r.sink.last()
	assert.Equal(t, "fast", last.From)
	assert.Equal(t, "error", last.Outcome)
	assert.ErrorIs(t, last.Err, boom)
	assert.False(t, r.plant.IsOn())
}

func TestShutdownIsTerminal(t *testing.T) {
	conf := testConfig()
	conf.Fast.MaxDuration = 10 * time.Second
	r := newTestRig(t, conf, 12000, 0)
	r.stepUntil(t, 500, func() bool { return r.state() == StateShutdown })
	transitions := len(r.sink.path())

	r.plant.SetBattery(11000)
	r.stepUntil(t, 300, func() bool { return false })

	assert.Equal(t, StateShutdown, r.state())
	assert.Len(t, r.sink.path(), transitions)
	assert.False(t, r.plant.IsOn())
}

func TestRequestShutdown(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	r.stepUntil(t, 10, func() bool { return false })
	require.True(t, r.plant.IsOn())

	r.charger.Supervisor().RequestShutdown()
	r.step(t)

	assert.Equal(t, StateShutdown, r.state())
	assert.ErrorIs(t, r.sink.last().Err, errShutdownRequested)
	assert.False(t, r.plant.IsOn())
}

func TestStandbyReturnsToFastWhenDischarged(t *testing.T) {
	r := newTestRig(t, testConfig(), 13500, 0.05)
	r.charger.supervisor.begin(StateTrickle, StateStandby, "timeout", 0)
	require.Equal(t, StateStandby, r.state())
	assert.False(t, r.plant.IsOn())

	r.plant.SetBattery(12500)
	steps := r.stepUntil(t, 500, func() bool { return r.state() != StateStandby })

	assert.Equal(t, 200, steps)
	assert.Equal(t, StateFast, r.state())
	last := r.sink.last()
	assert.Equal(t, "standby", last.From)
	assert.Equal(t, "timeout", last.Outcome)
	assert.True(t, r.plant.IsOn())
}

func TestStandbyErrorShutsDown(t *testing.T) {
	r := newTestRig(t, testConfig(), 13500, 0.05)
	r.charger.supervisor.begin(StateTrickle, StateStandby, "timeout", 0)
	boom := errors.New("adc stuck")
	r.plant.Fail(boom)
	r.step(t)

	assert.Equal(t, StateShutdown, r.state())
	assert.ErrorIs(t, r.sink.last().Err, boom)
}

func TestFailedCycleStartShutsDown(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	boom := errors.New("adc stuck")
	r.plant.Fail(boom)
	r.charger.supervisor.begin(StateFast, StateTopping, "done", 14400)

	assert.Equal(t, StateShutdown, r.state())
	assert.Equal(t, []string{"topping", "shutdown"}, r.sink.path())
	assert.ErrorIs(t, r.sink.last().Err, boom)
}

func TestInvalidState(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	r.charger.supervisor.setState(State(42))

	err := r.charger.Supervisor().Step()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateShutdown, r.state())
	assert.False(t, r.plant.IsOn())
}

func TestLoadTestIsIgnored(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	r.charger.supervisor.setState(StateLoadTest)
	r.step(t)
	r.step(t)
	assert.Equal(t, StateLoadTest, r.state())
	assert.Empty(t, r.sink.path())
}

func TestCycleStateFollowsActiveCycle(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	sup := r.charger.Supervisor()
	assert.Equal(t, cycle.State(0), sup.CycleState())

	r.step(t)
	assert.Equal(t, cycle.StateStartup, sup.CycleState())

	// Past the five second startup period.
	r.stepUntil(t, 60, func() bool { return false })
	assert.Equal(t, cycle.StateRunning, sup.CycleState())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "load-test", StateLoadTest.String())
	assert.Equal(t, "state(42)", State(42).String())
}
