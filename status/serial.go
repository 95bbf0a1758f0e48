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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sigurn/crc8"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
	"go.uber.org/multierr"
)

// SerialSink writes one line per report to a serial display:
//
//	$CHG,<title>,<state>,<elapsed>,<battery mV>,<output mV>,<current mA>*<crc>\r\n
//	$EVT,<from>,<to>,<outcome>,<battery mV>*<crc>\r\n
//
// crc is the CRC-8 of everything between '$' and '*' as two hex digits.
type SerialSink struct {
	mu   sync.Mutex
	w    io.Writer
	log  logrus.FieldLogger
	lock *portLock
}

const (
	portLockRetries = 3
	portLockWait    = 2 * time.Second
)

func NewSerialSink(w io.Writer, log logrus.FieldLogger) *SerialSink {
	return &SerialSink{w: w, log: log}
}

// OpenSerialSink locks and opens a serial port for the display. The lock is
// held until Close.
func OpenSerialSink(port string, baud int, log logrus.FieldLogger) (*SerialSink, error) {
	lock, err := lockPort(port, portLockRetries, portLockWait, log)
	if err != nil {
		return nil, fmt.Errorf("locking display port %s: %w", port, err)
	}
	c := &serial.Config{Name: port, Baud: baud, ReadTimeout: time.Second * 5}
	p, err := serial.OpenPort(c)
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("opening display port %s: %w", port, err)
	}
	s := NewSerialSink(p, log)
	s.lock = lock
	return s, nil
}

func (s *SerialSink) Status(snap Snapshot) {
	s.write(fmt.Sprintf("CHG,%s,%s,%s,%d,%d,%d",
		snap.Title, snap.State, FormatElapsed(snap.Elapsed),
		snap.BatteryMilliV, snap.BusMilliV, snap.CurrentMilliA))
}

func (s *SerialSink) Transition(t Transition) {
	outcome := t.Outcome
	if t.Err != nil {
		outcome = "FAULT"
	}
	s.write(fmt.Sprintf("EVT,%s,%s,%s,%d", t.From, t.To, outcome, t.BatteryMilliV))
}

func (s *SerialSink) Close() error {
	var err error
	if c, ok := s.w.(io.Closer); ok {
		err = c.Close()
	}
	if s.lock != nil {
		err = multierr.Append(err, s.lock.release())
	}
	return err
}

func (s *SerialSink) write(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, Frame(body)); err != nil {
		s.log.Warnf("Failed to write to display: %v", err)
	}
}

var frameTable = crc8.MakeTable(crc8.Params{
	Poly:   0x07,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

// Frame wraps body with the start marker and checksum.
func Frame(body string) string {
	return fmt.Sprintf("$%s*%02X\r\n", body, crc8.Checksum([]byte(body), frameTable))
}
