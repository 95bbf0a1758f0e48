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

	"github.com/godbus/dbus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
)

const (
	i2cDbusName = "org.cacophony.i2c"
	i2cDbusPath = "/org/cacophony/i2c"
)

// DBusI2C is an I2C bus reached through the i2c service, for when that
// service already owns the bus.
type DBusI2C struct {
	timeoutMs int
	tx        func(address byte, write []byte, readLen, timeout int) ([]byte, error)
}

var (
	_ i2c.Bus     = (*DBusI2C)(nil)
	_ drivers.I2C = (*DBusI2C)(nil)
)

func NewDBusI2C(timeoutMs int) *DBusI2C {
	return &DBusI2C{timeoutMs: timeoutMs, tx: dbusTx}
}

func dbusTx(address byte, write []byte, readLen, timeout int) ([]byte, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(i2cDbusName, i2cDbusPath)

	var response []byte
	if err := obj.Call(i2cDbusName+".Tx", 0, address, write, readLen, timeout).Store(&response); err != nil {
		return nil, err
	}
	return response, nil
}

func (b *DBusI2C) Tx(addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return fmt.Errorf("i2c address 0x%X out of range", addr)
	}
	response, err := b.tx(byte(addr), w, len(r), b.timeoutMs)
	if err != nil {
		return err
	}
	if len(response) < len(r) {
		return fmt.Errorf("short i2c read from 0x%X: got %d bytes, wanted %d", addr, len(response), len(r))
	}
	copy(r, response)
	return nil
}

// SetSpeed is fixed by the i2c service.
func (b *DBusI2C) SetSpeed(physic.Frequency) error {
	return nil
}

func (b *DBusI2C) String() string {
	return i2cDbusName
}
