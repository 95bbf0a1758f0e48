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
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPortLocked is returned when another process holds the display port.
var ErrPortLocked = errors.New("serial port is locked by another process")

var sleepFn = time.Sleep

// portLock is an exclusive advisory lock on a serial device, shared with the
// other services that use the same UART.
type portLock struct {
	f *os.File
}

func lockPort(path string, retries int, wait time.Duration, log logrus.FieldLogger) (*portLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	for i := retries; ; i-- {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &portLock{f: f}, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			f.Close()
			return nil, err
		}
		if i <= 0 {
			f.Close()
			return nil, ErrPortLocked
		}
		log.Infof("%s is locked, retrying %d more times in %s", path, i, wait)
		sleepFn(wait)
	}
}

func (l *portLock) release() error {
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	if closeErr := l.f.Close(); err == nil {
		err = closeErr
	}
	return err
}
