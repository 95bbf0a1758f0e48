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

package status

import (
	"github.com/sirupsen/logrus"
)

// LogSink writes reports to a logger.
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (l *LogSink) Status(s Snapshot) {
	l.log.Infof("%s %s %s battery: %dmV, output: %dmV, current: %dmA",
		s.Title, s.State, FormatElapsed(s.Elapsed), s.BatteryMilliV, s.BusMilliV, s.CurrentMilliA)
}

func (l *LogSink) Transition(t Transition) {
	if t.Err != nil {
		l.log.Errorf("%s -> %s (%s) at %dmV: %v", t.From, t.To, t.Outcome, t.BatteryMilliV, t.Err)
		return
	}
	if t.Outcome == "" {
		l.log.Infof("%s -> %s at %dmV", t.From, t.To, t.BatteryMilliV)
		return
	}
	l.log.Infof("%s -> %s (%s) at %dmV", t.From, t.To, t.Outcome, t.BatteryMilliV)
}
