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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint32(785), conf.Fast.TargetCurrentMilliA)
	assert.Equal(t, 4*time.Hour, conf.Fast.MaxDuration)
	assert.Equal(t, "TOPPNG", conf.Topping.Title)
	assert.Equal(t, 6*24*time.Hour, conf.Storage.IdlePeriod)
	assert.Equal(t, uint32(13000), conf.Supervisor.DischargedMilliV)
	assert.Equal(t, 100*time.Millisecond, conf.Supervisor.Period)
	assert.Equal(t, uint32(16000), conf.Regulator.MaxMilliV)
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	conf, err := Load("testdata/charger.yaml")
	require.NoError(t, err)

	assert.Equal(t, uint32(1500), conf.Fast.TargetCurrentMilliA)
	assert.Equal(t, uint32(2000), conf.Fast.MaxCurrentMilliA)
	assert.Equal(t, 6*time.Hour, conf.Fast.MaxDuration)
	assert.Equal(t, uint32(14400), conf.Fast.TargetMilliV)
	assert.Equal(t, "fast", conf.Fast.Name)

	assert.Equal(t, 90*time.Second, conf.Topping.StartupPeriod)
	assert.Equal(t, uint32(275), conf.Topping.TargetCurrentMilliA)
	assert.Equal(t, 72*time.Hour, conf.Storage.IdlePeriod)
	assert.Equal(t, "TRCKLE", conf.Trickle.Title)

	assert.Equal(t, uint32(300), conf.Regulator.GateMarginMilliV)
	assert.True(t, conf.Regulator.CurrentGate)
	assert.Equal(t, uint8(11), conf.Regulator.Sensor.ResolutionBits)
	assert.Equal(t, uint32(32000), conf.Regulator.Sensor.BusRangeMilliV)

	assert.Equal(t, uint32(12600), conf.Supervisor.DischargedMilliV)
	assert.Equal(t, 16, conf.Supervisor.Alarms)

	assert.Equal(t, "dbus", conf.Hardware.Transport)
	assert.Equal(t, "GPIO24", conf.Hardware.EnablePin)
	assert.Equal(t, uint16(0x40), conf.Hardware.SensorAddress)

	assert.Equal(t, "/dev/ttyUSB0", conf.Status.SerialPort)
	assert.False(t, conf.Status.Events)
	assert.True(t, conf.Status.DBus)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load("testdata/bad.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup period")
	assert.Contains(t, err.Error(), "regulator minimum voltage")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	conf := Default()
	conf.Supervisor.SmoothingSamples = 0
	assert.Error(t, conf.Validate())

	conf = Default()
	conf.Supervisor.Period = 0
	assert.Error(t, conf.Validate())

	conf = Default()
	conf.Hardware.Transport = "spi"
	assert.Error(t, conf.Validate())
}

func TestValidateRejectsPeriodsTooLongForTick(t *testing.T) {
	conf := Default()
	conf.Storage.IdlePeriod = 1200 * time.Hour
	err := conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "standby: idle period 1200h0m0s is too long")

	conf = Default()
	conf.Fast.MaxDuration = 50 * 24 * time.Hour
	err = conf.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fast: max duration")

	// A coarser tick makes the same period fit.
	conf.Supervisor.Tick = 10 * time.Millisecond
	assert.NoError(t, conf.Validate())
}
