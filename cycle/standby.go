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

package cycle

// runStandby rests the battery with the regulator off until the idle period
// runs out. Timeout is the normal way out.
func (c *Cycle) runStandby() (State, error) {
	c.state = StateRunning
	if err := c.env.Source.Off(); err != nil {
		return c.Fail(err)
	}
	if c.env.Timers.Get(c.timer) == 0 {
		err := c.finish(StateTimeout)
		return c.state, err
	}

	battery, err := c.battery()
	if err != nil {
		return c.Fail(err)
	}
	if err := c.report(battery); err != nil {
		return c.Fail(err)
	}
	return c.state, nil
}
