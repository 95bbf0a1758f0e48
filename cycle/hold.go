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

// holdVoltage keeps the battery within BandMilliV of the target voltage.
// Inside the band the output is left alone.
//
// Topping finishes once the charge current has tapered to the target
// current. Trickle has no finish condition and runs until it times out.
func (c *Cycle) holdVoltage(canFinish bool) (State, error) {
	if done, err := c.expired(); done {
		return c.state, err
	}

	current, battery, err := c.measure()
	if err != nil {
		return c.Fail(err)
	}

	p := c.params
	if canFinish && c.state == StateRunning && int64(current) <= int64(p.TargetCurrentMilliA) {
		err := c.finish(StateDone)
		return c.state, err
	}

	v := int64(c.setVoltage)
	step := int64(p.StepMilliV)
	target := int64(p.TargetMilliV)
	band := int64(p.BandMilliV)
	switch {
	case int64(current) > int64(p.MaxCurrentMilliA):
		v -= step
	case int64(battery) > target+band:
		v -= step
	case int64(battery) < target-band:
		v += step
	}
	if err := c.command(v); err != nil {
		return c.Fail(err)
	}

	if err := c.report(battery); err != nil {
		return c.Fail(err)
	}
	return c.state, nil
}
