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

	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"tinygo.org/x/drivers"
)

// DACMaxLevel is the full scale value of the 12 bit DAC.
const DACMaxLevel = 0x0FFF

// DAC drives the regulator feedback network from an MCP4725 style 12 bit
// DAC using fast mode writes to the volatile register.
type DAC struct {
	bus     drivers.I2C
	address uint16
}

var _ regulator.Actuator = (*DAC)(nil)

func NewDAC(bus drivers.I2C, address uint16) *DAC {
	return &DAC{bus: bus, address: address}
}

func (d *DAC) Connected() bool {
	r := make([]byte, 1)
	return d.bus.Tx(d.address, nil, r) == nil
}

func (d *DAC) SetLevel(level uint16) error {
	if level > DACMaxLevel {
		return fmt.Errorf("DAC level %d above %d", level, DACMaxLevel)
	}
	w := []byte{byte(level>>8) & 0x0F, byte(level)}
	return d.bus.Tx(d.address, w, nil)
}
