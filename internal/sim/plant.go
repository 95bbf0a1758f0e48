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

// Package sim models the charger output stage and a lead acid battery so the
// charger can run without the board attached.
package sim

import (
	"sync"
	"time"

	"github.com/TheCacophonyProject/tc2-charger/regulator"
)

type Config struct {
	// Regulator calibration used to turn DAC levels back into volts.
	Regulator regulator.Config
	// Starting battery voltage.
	BatteryMilliV float64
	// Open circuit voltage the battery relaxes to when not charging.
	RestMilliV float64
	// Blocking diode drop between the regulator and the battery.
	DiodeMilliV float64
	// Series resistance of the charge path and battery.
	SeriesOhms float64
	// ChargeGain is the battery voltage rise in mV per mA per second.
	ChargeGain float64
	// RelaxRate is the fraction of the gap to RestMilliV closed each second
	// while idle.
	RelaxRate float64
}

func DefaultConfig() Config {
	return Config{
		Regulator:     regulator.DefaultConfig(),
		BatteryMilliV: 12000,
		RestMilliV:    12700,
		DiodeMilliV:   300,
		SeriesOhms:    0.5,
		ChargeGain:    0.0003,
		RelaxRate:     0.0005,
	}
}

// Plant is safe for concurrent use.
type Plant struct {
	mu           sync.Mutex
	cfg          Config
	battery      float64
	level        uint16
	on           bool
	sensorConfig regulator.SensorConfig
	sensorGone   bool
	dacGone      bool
	fault        error
}

func New(cfg Config) *Plant {
	return &Plant{
		cfg:     cfg,
		battery: cfg.BatteryMilliV,
		level:   cfg.Regulator.LevelAtMin,
	}
}

// Advance moves the battery model forward by d.
func (p *Plant) Advance(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	secs := d.Seconds()
	if i := p.current(); i > 0 {
		p.battery += i * p.cfg.ChargeGain * secs
		return
	}
	relax := min(p.cfg.RelaxRate*secs, 1)
	p.battery -= (p.battery - p.cfg.RestMilliV) * relax
}

// Battery returns the modelled battery voltage.
func (p *Plant) Battery() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.battery
}

func (p *Plant) SetBattery(milliV float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.battery = milliV
}

// Output returns the regulator output voltage in mV, zero while off.
func (p *Plant) Output() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output()
}

// Current returns the charge current in mA.
func (p *Plant) Current() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current()
}

func (p *Plant) IsOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.on
}

// Disconnect makes the sensor or DAC stop responding.
func (p *Plant) Disconnect(sensor, dac bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sensorGone = sensor
	p.dacGone = dac
}

// Fail makes every device read return err. A nil err clears the fault.
func (p *Plant) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = err
}

func (p *Plant) Sensor() regulator.Sensor               { return sensor{p} }
func (p *Plant) Actuator() regulator.Actuator           { return dac{p} }
func (p *Plant) Pin() regulator.EnablePin               { return pin{p} }
func (p *Plant) BatteryReader() regulator.BatteryReader { return battery{p} }

func (p *Plant) output() float64 {
	if !p.on {
		return 0
	}
	return float64(p.cfg.Regulator.MilliVolts(p.level))
}

func (p *Plant) current() float64 {
	if !p.on || p.cfg.SeriesOhms <= 0 {
		return 0
	}
	headroom := p.output() - p.battery - p.cfg.DiodeMilliV
	if headroom <= 0 {
		return 0
	}
	return headroom / p.cfg.SeriesOhms
}

type sensor struct{ p *Plant }

func (s sensor) Connected() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return !s.p.sensorGone
}

func (s sensor) Reset() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.sensorConfig = regulator.SensorConfig{}
	return s.p.fault
}

func (s sensor) Configure(c regulator.SensorConfig) error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.sensorConfig = c
	return s.p.fault
}

func (s sensor) BusVoltage() (uint32, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.fault != nil {
		return 0, s.p.fault
	}
	return uint32(s.p.output()), nil
}

func (s sensor) Current() (int32, error) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.fault != nil {
		return 0, s.p.fault
	}
	return int32(s.p.current()), nil
}

type dac struct{ p *Plant }

func (d dac) Connected() bool {
	d.p.mu.Lock()
	defer d.p.mu.Unlock()
	return !d.p.dacGone
}

func (d dac) SetLevel(level uint16) error {
	d.p.mu.Lock()
	defer d.p.mu.Unlock()
	if d.p.fault != nil {
		return d.p.fault
	}
	d.p.level = level
	return nil
}

type pin struct{ p *Plant }

func (e pin) Enable(on bool) error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	e.p.on = on
	return nil
}

type battery struct{ p *Plant }

func (b battery) BatteryVoltage() (uint32, error) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	if b.p.fault != nil {
		return 0, b.p.fault
	}
	return uint32(b.p.battery), nil
}
