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

// runFast is a constant current charge. The output is stepped to hold the
// target current until the battery reaches the target voltage.
func (c *Cycle) runFast() (State, error) {
	if done, err := c.expired(); done {
		return c.state, err
	}

	current, battery, err := c.measure()
	if err != nil {
		return c.Fail(err)
	}

	p := c.params
	if c.state == StateRunning && battery >= p.TargetMilliV {
		err := c.finish(StateDone)
		return c.state, err
	}

	v := int64(c.setVoltage)
	step := int64(p.StepMilliV)
	switch {
	case int64(current) > int64(p.MaxCurrentMilliA):
		v -= step
	case int64(current) < int64(p.TargetCurrentMilliA):
		if battery < p.TargetMilliV {
			v += step
		} else {
			v -= step
		}
	}
	if err := c.command(v); err != nil {
		return c.Fail(err)
	}

	if err := c.report(battery); err != nil {
		return c.Fail(err)
	}
	return c.state, nil
}
