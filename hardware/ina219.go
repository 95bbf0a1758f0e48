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

package hardware

import (
	"errors"
	"fmt"

	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ina219"
)

const (
	ina219RegConfig = 0x00
	ina219Reset     = 0x8000
)

var errSensorNotReset = errors.New("current sensor used before reset")

// INA219 is the output current and voltage sensor.
type INA219 struct {
	bus  i2c.Bus
	opts ina219.Opts
	dev  *ina219.Dev
}

var _ regulator.Sensor = (*INA219)(nil)

func NewINA219(bus i2c.Bus, address uint16, senseMilliOhm, maxCurrentMilliA uint32) *INA219 {
	return &INA219{
		bus: bus,
		opts: ina219.Opts{
			Address:       int(address),
			SenseResistor: physic.ElectricResistance(senseMilliOhm) * physic.MilliOhm,
			MaxCurrent:    physic.ElectricCurrent(maxCurrentMilliA) * physic.MilliAmpere,
		},
	}
}

func (s *INA219) Connected() bool {
	r := make([]byte, 2)
	return s.bus.Tx(uint16(s.opts.Address), []byte{ina219RegConfig}, r) == nil
}

// Reset restores the power on configuration and recalibrates.
func (s *INA219) Reset() error {
	if err := s.writeConfig(ina219Reset); err != nil {
		return err
	}
	dev, err := ina219.New(s.bus, &s.opts)
	if err != nil {
		return err
	}
	s.dev = dev
	return nil
}

func (s *INA219) Configure(c regulator.SensorConfig) error {
	word, err := ina219ConfigWord(c)
	if err != nil {
		return err
	}
	return s.writeConfig(word)
}

func (s *INA219) BusVoltage() (uint32, error) {
	pm, err := s.sense()
	if err != nil {
		return 0, err
	}
	if pm.Voltage < 0 {
		return 0, nil
	}
	return uint32(pm.Voltage / physic.MilliVolt), nil
}

func (s *INA219) Current() (int32, error) {
	pm, err := s.sense()
	if err != nil {
		return 0, err
	}
	return int32(pm.Current / physic.MilliAmpere), nil
}

func (s *INA219) sense() (ina219.PowerMonitor, error) {
	if s.dev == nil {
		return ina219.PowerMonitor{}, errSensorNotReset
	}
	return s.dev.Sense()
}

func (s *INA219) writeConfig(word uint16) error {
	w := []byte{ina219RegConfig, byte(word >> 8), byte(word)}
	return s.bus.Tx(uint16(s.opts.Address), w, nil)
}

// ina219ConfigWord builds the configuration register value.
func ina219ConfigWord(c regulator.SensorConfig) (uint16, error) {
	var word uint16
	if c.BusRangeMilliV > 16000 {
		word |= 1 << 13
	}

	switch {
	case c.ShuntRangeMilliV <= 40:
	case c.ShuntRangeMilliV <= 80:
		word |= 1 << 11
	case c.ShuntRangeMilliV <= 160:
		word |= 2 << 11
	default:
		word |= 3 << 11
	}

	var adc uint16
	switch c.ResolutionBits {
	case 9:
		adc = 0
	case 10:
		adc = 1
	case 11:
		adc = 2
	case 12:
		adc = 3
	default:
		return 0, fmt.Errorf("unsupported ADC resolution %d bits", c.ResolutionBits)
	}
	word |= adc<<7 | adc<<3

	if c.Continuous {
		word |= 0x7
	} else {
		word |= 0x3
	}
	return word, nil
}
