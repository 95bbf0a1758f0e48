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
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// EnablePin is the regulator enable line, active high.
type EnablePin struct {
	pin gpio.PinOut
}

var _ regulator.EnablePin = (*EnablePin)(nil)

// OpenEnablePin finds the named pin and drives it low.
func OpenEnablePin(name string) (*EnablePin, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("failed to find GPIO pin %s", name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("setting %s low: %w", name, err)
	}
	return &EnablePin{pin: pin}, nil
}

func (e *EnablePin) Enable(on bool) error {
	return e.pin.Out(gpio.Level(on))
}

// IIOBattery reads the battery divider through a Linux IIO ADC channel.
type IIOBattery struct {
	path     string
	mul, div uint32
	readFile func(string) ([]byte, error)
}

var _ regulator.BatteryReader = (*IIOBattery)(nil)

func NewIIOBattery(path string, mul, div uint32) *IIOBattery {
	return &IIOBattery{path: path, mul: mul, div: max(div, 1), readFile: os.ReadFile}
}

func (b *IIOBattery) BatteryVoltage() (uint32, error) {
	data, err := b.readFile(b.path)
	if err != nil {
		return 0, err
	}
	raw, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing ADC reading from %s: %w", b.path, err)
	}
	return uint32(raw * uint64(b.mul) / uint64(b.div)), nil
}
