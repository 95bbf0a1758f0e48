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
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceReportsState(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	s := chargerService{charger: r.charger}

	state, cycleState, dErr := s.GetState()
	require.Nil(t, dErr)
	assert.Equal(t, "startup", state)
	assert.Equal(t, "", cycleState)

	_, _, _, _, _, _, dErr = s.GetStatus()
	require.NotNil(t, dErr)
	assert.True(t, strings.HasPrefix(dErr.Name, dbusName+"."))
	assert.Equal(t, []interface{}{errNoStatus.Error()}, dErr.Body)

	// The first status report comes one second into the cycle.
	r.stepUntil(t, 15, func() bool { return false })

	state, cycleState, dErr = s.GetState()
	require.Nil(t, dErr)
	assert.Equal(t, "fast", state)
	assert.Equal(t, "startup", cycleState)

	name, snapState, elapsed, battery, _, _, dErr := s.GetStatus()
	require.Nil(t, dErr)
	assert.Equal(t, "fast", name)
	assert.Equal(t, "startup", snapState)
	assert.Equal(t, "00:00:01", elapsed)
	assert.InDelta(t, 12000, float64(battery), 50)
}

func TestServiceShutdown(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	s := chargerService{charger: r.charger}
	r.stepUntil(t, 5, func() bool { return false })

	require.Nil(t, s.Shutdown())
	r.step(t)

	state, cycleState, _ := s.GetState()
	assert.Equal(t, "shutdown", state)
	assert.Equal(t, "", cycleState)

	from, to, _, errStr, dErr := s.GetLastTransition()
	require.Nil(t, dErr)
	assert.Equal(t, "fast", from)
	assert.Equal(t, "shutdown", to)
	assert.Equal(t, errShutdownRequested.Error(), errStr)
	assert.False(t, r.plant.IsOn())
}

func TestRunStopsOnCancel(t *testing.T) {
	conf := testConfig()
	conf.Supervisor.Period = 10 * time.Millisecond
	r := newTestRig(t, conf, 12000, 0.05)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, r.charger.Run(ctx))

	assert.Equal(t, StateFast, r.state())
	assert.False(t, r.plant.IsOn())
}

func TestRunReturnsSupervisorError(t *testing.T) {
	conf := testConfig()
	conf.Supervisor.Period = 10 * time.Millisecond
	r := newTestRig(t, conf, 12000, 0.05)
	r.charger.supervisor.setState(State(42))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.charger.Run(ctx)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NoError(t, ctx.Err())
}

func TestTicksPerStep(t *testing.T) {
	r := newTestRig(t, testConfig(), 12000, 0.05)
	assert.Equal(t, 100, r.charger.TicksPerStep())
}
