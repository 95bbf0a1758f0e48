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

// Package config loads the charger parameter file. Every key is optional and
// falls back to the firmware defaults.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/tc2-charger/alarm"
	"github.com/TheCacophonyProject/tc2-charger/cycle"
	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const DefaultPath = "/etc/cacophony/charger.yaml"

const (
	FastKey       = "fast"
	ToppingKey    = "topping"
	TrickleKey    = "trickle"
	StorageKey    = "storage"
	RegulatorKey  = "regulator"
	SupervisorKey = "supervisor"
	HardwareKey   = "hardware"
	StatusKey     = "status"
)

type Supervisor struct {
	// Batteries at or below DischargedMilliV at startup get a fast charge.
	DischargedMilliV uint32        `mapstructure:"discharged-mv"`
	Period           time.Duration `mapstructure:"period"`
	Tick             time.Duration `mapstructure:"tick"`
	Alarms           int           `mapstructure:"alarms"`
	SmoothingSamples int           `mapstructure:"smoothing-samples"`
}

type Hardware struct {
	// Transport is "periph" to open the I2C bus directly or "dbus" to go
	// through the i2c service.
	Transport        string `mapstructure:"transport"`
	I2CBus           string `mapstructure:"i2c-bus"`
	SensorAddress    uint16 `mapstructure:"sensor-address"`
	SenseMilliOhm    uint32 `mapstructure:"sense-milliohm"`
	MaxCurrentMilliA uint32 `mapstructure:"max-current-ma"`
	DACAddress       uint16 `mapstructure:"dac-address"`
	EnablePin        string `mapstructure:"enable-pin"`
	BatteryADC       string `mapstructure:"battery-adc"`
	// Battery mV = raw * BatteryScaleMul / BatteryScaleDiv.
	BatteryScaleMul uint32 `mapstructure:"battery-scale-mul"`
	BatteryScaleDiv uint32 `mapstructure:"battery-scale-div"`
}

type Status struct {
	DBus          bool          `mapstructure:"dbus"`
	Events        bool          `mapstructure:"events"`
	EventInterval time.Duration `mapstructure:"event-interval"`
	SerialPort    string        `mapstructure:"serial-port"`
	SerialBaud    int           `mapstructure:"serial-baud"`
}

type Config struct {
	Fast       cycle.Parameters
	Topping    cycle.Parameters
	Trickle    cycle.Parameters
	Storage    cycle.Parameters
	Regulator  regulator.Config
	Supervisor Supervisor
	Hardware   Hardware
	Status     Status
}

func Default() *Config {
	return &Config{
		Fast:      cycle.FastDefaults(),
		Topping:   cycle.ToppingDefaults(),
		Trickle:   cycle.TrickleDefaults(),
		Storage:   cycle.StorageDefaults(),
		Regulator: regulator.DefaultConfig(),
		Supervisor: Supervisor{
			DischargedMilliV: 13000,
			Period:           100 * time.Millisecond,
			Tick:             time.Millisecond,
			Alarms:           16,
			SmoothingSamples: 10,
		},
		Hardware: Hardware{
			Transport:        "periph",
			I2CBus:           "1",
			SensorAddress:    0x40,
			SenseMilliOhm:    100,
			MaxCurrentMilliA: 3200,
			DACAddress:       0x60,
			EnablePin:        "GPIO16",
			BatteryADC:       "/sys/bus/iio/devices/iio:device0/in_voltage0_raw",
			BatteryScaleMul:  395,
			BatteryScaleDiv:  100,
		},
		Status: Status{
			DBus:          true,
			Events:        true,
			EventInterval: 30 * time.Minute,
			SerialBaud:    9600,
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	conf := Default()
	if path == "" {
		return conf, conf.Validate()
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	sections := []struct {
		key string
		out interface{}
	}{
		{FastKey, &conf.Fast},
		{ToppingKey, &conf.Topping},
		{TrickleKey, &conf.Trickle},
		{StorageKey, &conf.Storage},
		{RegulatorKey, &conf.Regulator},
		{SupervisorKey, &conf.Supervisor},
		{HardwareKey, &conf.Hardware},
		{StatusKey, &conf.Status},
	}
	for _, s := range sections {
		if !v.IsSet(s.key) {
			continue
		}
		if err := v.UnmarshalKey(s.key, s.out); err != nil {
			return nil, fmt.Errorf("parsing %s section: %w", s.key, err)
		}
	}
	return conf, conf.Validate()
}

func (c *Config) Validate() error {
	var err error
	for _, p := range []cycle.Parameters{c.Fast, c.Topping, c.Trickle, c.Storage} {
		err = multierr.Append(err, p.Validate())
		err = multierr.Append(err, checkTicks(p, c.Supervisor.Tick))
	}
	err = multierr.Append(err, c.Regulator.Validate())
	err = multierr.Append(err, c.Supervisor.validate())
	err = multierr.Append(err, c.Hardware.validate())
	return err
}

// checkTicks rejects cycle durations that overflow an alarm counting at tick.
func checkTicks(p cycle.Parameters, tick time.Duration) error {
	if tick <= 0 {
		return nil
	}
	periods := []struct {
		name string
		d    time.Duration
	}{
		{"max duration", p.MaxDuration},
		{"startup period", p.StartupPeriod},
		{"status period", p.StatusPeriod},
		{"idle period", p.IdlePeriod},
	}
	var err error
	for _, period := range periods {
		if period.d/tick > alarm.MaxTicks {
			err = multierr.Append(err, fmt.Errorf("%s: %s %s is too long for a %s tick", p.Name, period.name, period.d, tick))
		}
	}
	return err
}

func (s Supervisor) validate() error {
	if s.Period <= 0 {
		return errors.New("supervisor period must be positive")
	}
	if s.Tick <= 0 || s.Tick > s.Period {
		return fmt.Errorf("tick %s must be positive and no longer than the supervisor period %s", s.Tick, s.Period)
	}
	if s.Alarms < 4 {
		return fmt.Errorf("need at least 4 alarms, one per cycle, got %d", s.Alarms)
	}
	if s.SmoothingSamples < 1 {
		return errors.New("smoothing samples must be at least 1")
	}
	return nil
}

func (h Hardware) validate() error {
	switch h.Transport {
	case "periph", "dbus":
	default:
		return fmt.Errorf("unknown hardware transport %q", h.Transport)
	}
	if h.BatteryScaleDiv == 0 {
		return errors.New("battery scale divisor can't be zero")
	}
	return nil
}
