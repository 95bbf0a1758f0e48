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
	"sync"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/sirupsen/logrus"
)

const (
	eventStage  = "chargerStage"
	eventFault  = "chargerFault"
	eventStatus = "chargerStatus"
)

// EventSink records stage changes and faults with the event reporter, plus a
// status report at most once per interval.
type EventSink struct {
	log      logrus.FieldLogger
	interval time.Duration
	addEvent func(eventclient.Event) error

	mu         sync.Mutex
	lastStatus time.Time
}

// NewEventSink makes an event sink. An interval of zero disables status events.
func NewEventSink(log logrus.FieldLogger, interval time.Duration) *EventSink {
	return &EventSink{
		log:      log,
		interval: interval,
		addEvent: eventclient.AddEvent,
	}
}

func (e *EventSink) Status(s Snapshot) {
	if e.interval <= 0 {
		return
	}
	e.mu.Lock()
	if !e.lastStatus.IsZero() && s.Time.Sub(e.lastStatus) < e.interval {
		e.mu.Unlock()
		return
	}
	e.lastStatus = s.Time
	e.mu.Unlock()

	e.report(eventclient.Event{
		Timestamp: s.Time,
		Type:      eventStatus,
		Details: map[string]interface{}{
			"stage":     s.Name,
			"state":     s.State,
			"elapsed":   int64(s.Elapsed / time.Second),
			"batteryMv": s.BatteryMilliV,
			"outputMv":  s.BusMilliV,
			"currentMa": s.CurrentMilliA,
		},
	})
}

func (e *EventSink) Transition(t Transition) {
	details := map[string]interface{}{
		"from":      t.From,
		"to":        t.To,
		"batteryMv": t.BatteryMilliV,
	}
	if t.Outcome != "" {
		details["outcome"] = t.Outcome
	}
	eventType := eventStage
	if t.Err != nil {
		eventType = eventFault
		details["error"] = t.Err.Error()
	}
	e.report(eventclient.Event{
		Timestamp: t.Time,
		Type:      eventType,
		Details:   details,
	})
}

func (e *EventSink) report(event eventclient.Event) {
	if err := e.addEvent(event); err != nil {
		e.log.Warnf("Failed to add %s event: %v", event.Type, err)
	}
}
