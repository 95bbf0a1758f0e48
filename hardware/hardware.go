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

// Package hardware binds the regulator to the devices on the charger board.
package hardware

import (
	"fmt"
	"io"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Init loads the host drivers. It must be called before opening buses or pins.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("initialising host drivers: %w", err)
	}
	return nil
}

// OpenBus opens an I2C bus. "periph" opens the named bus on this host and
// "dbus" goes through the i2c service. The returned closer releases the bus.
func OpenBus(transport, name string, timeoutMs int) (i2c.Bus, io.Closer, error) {
	switch transport {
	case "periph":
		bus, err := i2creg.Open(name)
		if err != nil {
			return nil, nil, fmt.Errorf("opening i2c bus %q: %w", name, err)
		}
		return bus, bus, nil
	case "dbus":
		return NewDBusI2C(timeoutMs), nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown i2c transport %q", transport)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
