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

import (
	"fmt"
	"time"
)

// Parameters configure one kind of charge cycle.
type Parameters struct {
	TargetCurrentMilliA uint32 `mapstructure:"target-current-ma"`
	MaxCurrentMilliA    uint32 `mapstructure:"max-current-ma"`
	TargetMilliV        uint32 `mapstructure:"target-mv"`
	StepMilliV          uint32 `mapstructure:"step-mv"`
	// BandMilliV is the half width of the dead band around TargetMilliV
	// used by the voltage holding cycles.
	BandMilliV    uint32        `mapstructure:"band-mv"`
	MaxDuration   time.Duration `mapstructure:"max-duration"`
	StartupPeriod time.Duration `mapstructure:"startup-period"`
	// IdlePeriod replaces MaxDuration for standby when set.
	IdlePeriod   time.Duration `mapstructure:"idle-period"`
	StatusPeriod time.Duration `mapstructure:"status-period"`
	Title        string        `mapstructure:"title"`
	Name         string        `mapstructure:"name"`
}

func FastDefaults() Parameters {
	return Parameters{
		TargetCurrentMilliA: 785,
		MaxCurrentMilliA:    1000,
		TargetMilliV:        14400,
		StepMilliV:          10,
		BandMilliV:          100,
		MaxDuration:         4 * time.Hour,
		StartupPeriod:       60 * time.Second,
		StatusPeriod:        time.Second,
		Title:               "FAST  ",
		Name:                "fast",
	}
}

func ToppingDefaults() Parameters {
	return Parameters{
		TargetCurrentMilliA: 275,
		MaxCurrentMilliA:    1000,
		TargetMilliV:        14000,
		StepMilliV:          10,
		BandMilliV:          100,
		MaxDuration:         12 * time.Hour,
		StartupPeriod:       120 * time.Second,
		StatusPeriod:        time.Second,
		Title:               "TOPPNG",
		Name:                "topping",
	}
}

func TrickleDefaults() Parameters {
	return Parameters{
		TargetCurrentMilliA: 0,
		MaxCurrentMilliA:    1000,
		TargetMilliV:        13500,
		StepMilliV:          10,
		BandMilliV:          100,
		MaxDuration:         24 * time.Hour,
		StartupPeriod:       60 * time.Second,
		StatusPeriod:        time.Second,
		Title:               "TRCKLE",
		Name:                "trickle",
	}
}

func StorageDefaults() Parameters {
	return Parameters{
		TargetCurrentMilliA: 0,
		MaxCurrentMilliA:    1000,
		TargetMilliV:        13500,
		StepMilliV:          100,
		BandMilliV:          100,
		MaxDuration:         24 * time.Hour,
		StartupPeriod:       60 * time.Second,
		IdlePeriod:          6 * 24 * time.Hour,
		StatusPeriod:        time.Second,
		Title:               "STNDBY",
		Name:                "standby",
	}
}

func (p Parameters) Validate() error {
	if p.MaxDuration <= 0 {
		return fmt.Errorf("%s: max duration must be positive", p.Name)
	}
	if p.StartupPeriod >= p.MaxDuration {
		return fmt.Errorf("%s: startup period %s must be shorter than max duration %s", p.Name, p.StartupPeriod, p.MaxDuration)
	}
	if p.StepMilliV == 0 {
		return fmt.Errorf("%s: voltage step must be non zero", p.Name)
	}
	if p.StatusPeriod <= 0 {
		return fmt.Errorf("%s: status period must be positive", p.Name)
	}
	if p.IdlePeriod < 0 {
		return fmt.Errorf("%s: idle period can't be negative", p.Name)
	}
	if p.TargetCurrentMilliA > p.MaxCurrentMilliA {
		return fmt.Errorf("%s: target current %dmA is above the %dmA limit", p.Name, p.TargetCurrentMilliA, p.MaxCurrentMilliA)
	}
	return nil
}
