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
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/TheCacophonyProject/tc2-charger/status"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.Charger"
	dbusPath = "/org/cacophony/Charger"
)

var errNoStatus = errors.New("no status reported yet")

type chargerService struct {
	charger *Charger
}

func startService(c *Charger) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &chargerService{
		charger: c,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

// GetState returns the supervisor state and, while charging, the state of
// the active cycle.
func (s chargerService) GetState() (string, string, *dbus.Error) {
	sup := s.charger.Supervisor()
	cycleState := ""
	if cs := sup.CycleState(); cs != 0 {
		cycleState = cs.String()
	}
	return sup.State().String(), cycleState, nil
}

// GetStatus returns the last status report: stage name, cycle state, elapsed
// time, battery mV, output mV and current mA.
func (s chargerService) GetStatus() (string, string, string, uint32, uint32, int32, *dbus.Error) {
	snap, ok := s.charger.Latest().Snapshot()
	if !ok {
		return "", "", "", 0, 0, 0, dbusErr(errNoStatus)
	}
	return snap.Name, snap.State, status.FormatElapsed(snap.Elapsed),
		snap.BatteryMilliV, snap.BusMilliV, snap.CurrentMilliA, nil
}

// GetLastTransition returns the last stage change and its error, if any.
func (s chargerService) GetLastTransition() (string, string, string, string, *dbus.Error) {
	t := s.charger.Latest().LastTransition()
	errStr := ""
	if t.Err != nil {
		errStr = t.Err.Error()
	}
	return t.From, t.To, t.Outcome, errStr, nil
}

// Shutdown stops charging. The charger stays shut down until restarted.
func (s chargerService) Shutdown() *dbus.Error {
	log.Info("Shutdown requested over dbus")
	s.charger.Supervisor().RequestShutdown()
	return nil
}

// readStatus calls GetStatus on a running charger service.
func readStatus() (string, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return "", err
	}
	obj := conn.Object(dbusName, dbusPath)

	var state, cycleState string
	if err := obj.Call(dbusName+".GetState", 0).Store(&state, &cycleState); err != nil {
		return "", err
	}
	var (
		name, snapState, elapsed string
		battery, bus             uint32
		current                  int32
	)
	err = obj.Call(dbusName+".GetStatus", 0).Store(&name, &snapState, &elapsed, &battery, &bus, &current)
	if err != nil {
		return fmt.Sprintf("state: %s %s", state, cycleState), nil
	}
	return fmt.Sprintf("state: %s %s\n%s %s %s battery: %dmV, output: %dmV, current: %dmA",
		state, cycleState, name, snapState, elapsed, battery, bus, current), nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
