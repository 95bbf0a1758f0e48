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

package charger

import (
	"context"
	"fmt"
	"time"

	"github.com/TheCacophonyProject/tc2-charger/alarm"
	"github.com/TheCacophonyProject/tc2-charger/config"
	"github.com/TheCacophonyProject/tc2-charger/cycle"
	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"github.com/TheCacophonyProject/tc2-charger/ringbuffer"
	"github.com/TheCacophonyProject/tc2-charger/status"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
)

// Charger owns the timer pool, the smoothing buffer, the four cycles and the
// supervisor that sequences them.
type Charger struct {
	conf       *config.Config
	log        logrus.FieldLogger
	timers     *alarm.Pool
	smoother   *ringbuffer.Buffer[int32]
	source     *regulator.Source
	cycles     Cycles
	supervisor *Supervisor
	latest     *status.Latest
}

// New builds a charger around an already checked regulator. Every status
// snapshot and transition goes to sink as well as to the charger's own
// record of the latest values.
func New(conf *config.Config, source *regulator.Source, battery regulator.BatteryReader, sink status.Sink, log logrus.FieldLogger, now func() time.Time) (*Charger, error) {
	if sink == nil {
		sink = status.Discard{}
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Charger{
		conf:     conf,
		log:      log,
		timers:   alarm.NewPool(conf.Supervisor.Alarms, conf.Supervisor.Tick, alarm.WithClock(now)),
		smoother: ringbuffer.New[int32](conf.Supervisor.SmoothingSamples),
		source:   source,
		latest:   &status.Latest{},
	}
	sinks := status.Multi{c.latest, sink}

	env := &cycle.Env{
		Timers:          c.timers,
		Source:          source,
		Battery:         battery,
		Smoother:        c.smoother,
		Sink:            sinks,
		Log:             log,
		SoftStartMilliV: conf.Regulator.SoftStartMilliV,
		BatterySamples:  conf.Regulator.BatterySamples,
		Now:             now,
	}
	c.cycles = Cycles{
		Fast:    cycle.New(cycle.KindFast, env),
		Topping: cycle.New(cycle.KindTopping, env),
		Trickle: cycle.New(cycle.KindTrickle, env),
		Standby: cycle.New(cycle.KindStandby, env),
	}
	params := []struct {
		c *cycle.Cycle
		p *cycle.Parameters
	}{
		{c.cycles.Fast, &conf.Fast},
		{c.cycles.Topping, &conf.Topping},
		{c.cycles.Trickle, &conf.Trickle},
		{c.cycles.Standby, &conf.Storage},
	}
	for _, cp := range params {
		if err := cp.c.Init(cp.p); err != nil {
			return nil, fmt.Errorf("initialising %s cycle: %w", cp.c.Kind(), err)
		}
	}

	c.supervisor = NewSupervisor(c.cycles, battery, SupervisorConfig{
		DischargedMilliV: conf.Supervisor.DischargedMilliV,
		BatterySamples:   conf.Regulator.BatterySamples,
		Sink:             sinks,
		Log:              log,
		Now:              now,
	})
	return c, nil
}

func (c *Charger) Supervisor() *Supervisor { return c.supervisor }

func (c *Charger) Timers() *alarm.Pool { return c.timers }

// Latest returns the most recent snapshot and transition seen by the charger.
func (c *Charger) Latest() *status.Latest { return c.latest }

// TicksPerStep is the number of timer ticks in one supervisor period.
func (c *Charger) TicksPerStep() int {
	return max(int(c.conf.Supervisor.Period/c.timers.Tick()), 1)
}

// Advance runs one supervisor period without real time passing: the timer
// pool is ticked for a whole period and then the supervisor steps once.
func (c *Charger) Advance() error {
	for i := 0; i < c.TicksPerStep(); i++ {
		c.timers.Decrement()
	}
	return c.supervisor.Step()
}

// Run drives the tick and supervisor domains from wall clock tickers until
// ctx is cancelled or the supervisor fails. The regulator is switched off on
// the way out.
func (c *Charger) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(c.tickLoop)
	p.Go(c.superviseLoop)
	err := p.Wait()

	if offErr := c.source.Off(); offErr != nil {
		c.log.Errorf("Failed to switch off regulator: %v", offErr)
	}
	return err
}

func (c *Charger) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.conf.Supervisor.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.timers.Decrement()
		}
	}
}

func (c *Charger) superviseLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.conf.Supervisor.Period)
	defer ticker.Stop()
	shutdownLogged := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.supervisor.Step(); err != nil {
				return err
			}
			if c.supervisor.State() == StateShutdown && !shutdownLogged {
				c.log.Warn("Charger has shut down, restart the service to charge again")
				shutdownLogged = true
			}
		}
	}
}
