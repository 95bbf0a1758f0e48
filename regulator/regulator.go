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

// Package regulator drives the adjustable charging supply: a current and
// voltage sensor on the output, a DAC that sets the output voltage and an
// enable line.
package regulator

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

var ErrDeviceUnavailable = errors.New("regulator device unavailable")

// Sensor measures the regulated output.
type Sensor interface {
	Connected() bool
	Reset() error
	Configure(SensorConfig) error
	// BusVoltage returns the output voltage in mV.
	BusVoltage() (uint32, error)
	// Current returns the output current in mA.
	Current() (int32, error)
}

// Actuator sets the output voltage through a raw level.
type Actuator interface {
	Connected() bool
	SetLevel(level uint16) error
}

// EnablePin switches the regulator output.
type EnablePin interface {
	Enable(on bool) error
}

// BatteryReader reads the battery terminal voltage in mV.
type BatteryReader interface {
	BatteryVoltage() (uint32, error)
}

type SensorConfig struct {
	BusRangeMilliV   uint32 `mapstructure:"bus-range-mv"`
	ResolutionBits   uint8  `mapstructure:"resolution-bits"`
	ShuntRangeMilliV uint32 `mapstructure:"shunt-range-mv"`
	Continuous       bool   `mapstructure:"continuous"`
}

type Config struct {
	MinMilliV uint32 `mapstructure:"min-mv"`
	MaxMilliV uint32 `mapstructure:"max-mv"`
	// Actuator levels at the voltage limits. The regulator on the board has
	// an inverted feedback network so LevelAtMin is the larger value.
	LevelAtMin uint16 `mapstructure:"level-at-min"`
	LevelAtMax uint16 `mapstructure:"level-at-max"`
	// With CurrentGate set, current is reported as zero unless the output is
	// more than GateMarginMilliV above the battery.
	CurrentGate      bool   `mapstructure:"current-gate"`
	GateMarginMilliV uint32 `mapstructure:"gate-margin-mv"`
	CurrentSamples   int    `mapstructure:"current-samples"`
	BatterySamples   int    `mapstructure:"battery-samples"`
	// SoftStartMilliV is how far below the battery a cycle starts the output.
	SoftStartMilliV uint32       `mapstructure:"soft-start-mv"`
	Sensor          SensorConfig `mapstructure:"sensor"`
}

func DefaultConfig() Config {
	return Config{
		MinMilliV:        5000,
		MaxMilliV:        16000,
		LevelAtMin:       4095,
		LevelAtMax:       0,
		CurrentGate:      true,
		GateMarginMilliV: 250,
		CurrentSamples:   4,
		BatterySamples:   4,
		SoftStartMilliV:  100,
		Sensor: SensorConfig{
			BusRangeMilliV:   32000,
			ResolutionBits:   12,
			ShuntRangeMilliV: 320,
			Continuous:       true,
		},
	}
}

func (c Config) Validate() error {
	if c.MinMilliV >= c.MaxMilliV {
		return fmt.Errorf("regulator minimum voltage %dmV must be below maximum %dmV", c.MinMilliV, c.MaxMilliV)
	}
	if c.LevelAtMin == c.LevelAtMax {
		return fmt.Errorf("regulator levels at minimum and maximum voltage are both %d", c.LevelAtMin)
	}
	if c.CurrentSamples < 1 {
		return fmt.Errorf("regulator current samples must be at least 1, got %d", c.CurrentSamples)
	}
	if c.BatterySamples < 1 {
		return fmt.Errorf("regulator battery samples must be at least 1, got %d", c.BatterySamples)
	}
	return nil
}

// Level maps a voltage to an actuator level, clamping to the voltage limits.
func (c Config) Level(milliV uint32) uint16 {
	milliV = Clamp(milliV, c.MinMilliV, c.MaxMilliV)
	span := int64(c.MaxMilliV) - int64(c.MinMilliV)
	if span <= 0 {
		return c.LevelAtMin
	}
	levels := int64(c.LevelAtMax) - int64(c.LevelAtMin)
	return uint16(int64(c.LevelAtMin) + int64(milliV-c.MinMilliV)*levels/span)
}

// MilliVolts is the inverse of Level.
func (c Config) MilliVolts(level uint16) uint32 {
	levels := int64(c.LevelAtMax) - int64(c.LevelAtMin)
	if levels == 0 {
		return c.MinMilliV
	}
	span := int64(c.MaxMilliV) - int64(c.MinMilliV)
	mv := int64(c.MinMilliV) + (int64(level)-int64(c.LevelAtMin))*span/levels
	return uint32(Clamp(mv, int64(c.MinMilliV), int64(c.MaxMilliV)))
}

// Source is the regulated charging supply.
type Source struct {
	mu       sync.Mutex
	cfg      Config
	sensor   Sensor
	actuator Actuator
	pin      EnablePin
	battery  BatteryReader
	on       bool
	setPoint uint32
}

func New(cfg Config, sensor Sensor, actuator Actuator, pin EnablePin, battery BatteryReader) *Source {
	return &Source{
		cfg:      cfg,
		sensor:   sensor,
		actuator: actuator,
		pin:      pin,
		battery:  battery,
		setPoint: cfg.MinMilliV,
	}
}

// Check confirms both devices respond, configures the sensor and parks the
// output switched off at the minimum voltage.
func (s *Source) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if !s.sensor.Connected() {
		err = multierr.Append(err, fmt.Errorf("%w: current sensor not responding", ErrDeviceUnavailable))
	}
	if !s.actuator.Connected() {
		err = multierr.Append(err, fmt.Errorf("%w: voltage DAC not responding", ErrDeviceUnavailable))
	}
	if err != nil {
		return err
	}

	if err := s.sensor.Reset(); err != nil {
		return fmt.Errorf("resetting current sensor: %w", err)
	}
	if err := s.sensor.Configure(s.cfg.Sensor); err != nil {
		return fmt.Errorf("configuring current sensor: %w", err)
	}
	s.on = false
	if err := s.pin.Enable(false); err != nil {
		return fmt.Errorf("disabling regulator output: %w", err)
	}
	s.setPoint = s.cfg.MinMilliV
	if err := s.actuator.SetLevel(s.cfg.LevelAtMin); err != nil {
		return fmt.Errorf("parking voltage DAC: %w", err)
	}
	return nil
}

func (s *Source) On() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.pin.Enable(true); err != nil {
		return err
	}
	s.on = true
	return nil
}

// Off always marks the output as off, even if the enable line write fails.
func (s *Source) Off() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = false
	return s.pin.Enable(false)
}

func (s *Source) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// SetVoltage clamps milliV to the configured limits and writes the
// matching actuator level.
func (s *Source) SetVoltage(milliV uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	milliV = Clamp(milliV, s.cfg.MinMilliV, s.cfg.MaxMilliV)
	if err := s.actuator.SetLevel(s.cfg.Level(milliV)); err != nil {
		return err
	}
	s.setPoint = milliV
	return nil
}

// SetPoint returns the last voltage written.
func (s *Source) SetPoint() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPoint
}

// Voltage returns the measured output voltage, or zero while switched off.
func (s *Source) Voltage() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.on {
		return 0, nil
	}
	return s.sensor.BusVoltage()
}

// Current returns one output current reading in mA.
func (s *Source) Current() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

// CurrentAverage returns the mean of the configured number of readings.
func (s *Source) CurrentAverage() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := max(s.cfg.CurrentSamples, 1)
	var sum int64
	for i := 0; i < n; i++ {
		c, err := s.current()
		if err != nil {
			return 0, err
		}
		sum += int64(c)
	}
	return int32(sum / int64(n)), nil
}

// Limits returns the voltage range the output can be set to.
func (s *Source) Limits() (lo, hi uint32) {
	return s.cfg.MinMilliV, s.cfg.MaxMilliV
}

func (s *Source) Config() Config {
	return s.cfg
}

func (s *Source) current() (int32, error) {
	c, err := s.sensor.Current()
	if err != nil {
		return 0, err
	}
	if !s.cfg.CurrentGate {
		return c, nil
	}
	bus, err := s.sensor.BusVoltage()
	if err != nil {
		return 0, err
	}
	battery, err := AverageBattery(s.battery, s.cfg.BatterySamples)
	if err != nil {
		return 0, err
	}
	if uint64(bus) <= uint64(battery)+uint64(s.cfg.GateMarginMilliV) {
		return 0, nil
	}
	return c, nil
}

// AverageBattery returns the mean of n battery readings.
func AverageBattery(r BatteryReader, n int) (uint32, error) {
	n = max(n, 1)
	var sum uint64
	for i := 0; i < n; i++ {
		v, err := r.BatteryVoltage()
		if err != nil {
			return 0, err
		}
		sum += uint64(v)
	}
	return uint32(sum / uint64(n)), nil
}
