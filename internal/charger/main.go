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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/tc2-charger/config"
	"github.com/TheCacophonyProject/tc2-charger/hardware"
	"github.com/TheCacophonyProject/tc2-charger/internal/sim"
	"github.com/TheCacophonyProject/tc2-charger/regulator"
	"github.com/TheCacophonyProject/tc2-charger/status"
	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const i2cTimeoutMs = 1000

var version = "<not set>"

var log = logrus.New()

type Args struct {
	Run      *subcommand `arg:"subcommand:run"      help:"Run the charger."`
	Simulate *Simulate   `arg:"subcommand:simulate" help:"Run the charger against a simulated battery."`
	Status   *subcommand `arg:"subcommand:status"   help:"Print the status of the running charger."`
	Config   string      `arg:"-c, --config" help:"Charger parameter file, defaults to /etc/cacophony/charger.yaml when present"`
	LogLevel string      `arg:"-l, --log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
}

type subcommand struct {
}

type Simulate struct {
	BatteryMilliV uint32        `arg:"--battery-mv" default:"12000" help:"Starting battery voltage in mV"`
	ChargeGain    float64       `arg:"--charge-gain" default:"0.0003" help:"Battery voltage rise in mV per mA per second"`
	Speed         float64       `arg:"--speed" default:"0" help:"Simulated seconds per real second, 0 runs as fast as possible"`
	Duration      time.Duration `arg:"--duration" default:"72h" help:"How much simulated time to run for"`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

// customFormatter defines a new logrus formatter.
type customFormatter struct{}

// Format builds the log message string from the log entry.
func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func Run(inputArgs []string, ver string) error {
	version = ver
	log.SetFormatter(new(customFormatter))
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	setLogLevel(args.LogLevel)

	if args.Status != nil {
		s, err := readStatus()
		if err != nil {
			return err
		}
		fmt.Println(s)
		return nil
	}

	log.Infof("Running version: %s", version)

	conf, err := loadConfig(args.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case args.Run != nil:
		return runCharger(ctx, conf)
	case args.Simulate != nil:
		return runSimulation(ctx, conf, args.Simulate)
	}
	return errors.New("no subcommand given")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err != nil {
			log.Infof("No config file at %s, using defaults", config.DefaultPath)
			return config.Load("")
		}
		path = config.DefaultPath
	}
	log.Infof("Loading config from %s", path)
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return conf, nil
}

func runCharger(ctx context.Context, conf *config.Config) (err error) {
	if err := hardware.Init(); err != nil {
		return err
	}
	hw := conf.Hardware
	bus, closer, err := hardware.OpenBus(hw.Transport, hw.I2CBus, i2cTimeoutMs)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closer.Close())
	}()

	pin, err := hardware.OpenEnablePin(hw.EnablePin)
	if err != nil {
		return err
	}
	battery := hardware.NewIIOBattery(hw.BatteryADC, hw.BatteryScaleMul, hw.BatteryScaleDiv)
	source := regulator.New(
		conf.Regulator,
		hardware.NewINA219(bus, hw.SensorAddress, hw.SenseMilliOhm, hw.MaxCurrentMilliA),
		hardware.NewDAC(bus, hw.DACAddress),
		pin,
		battery,
	)
	log.Info("Checking charger hardware")
	if err := source.Check(); err != nil {
		return fmt.Errorf("charger hardware check failed: %w", err)
	}

	sinks := status.Multi{status.NewLogSink(log)}
	if conf.Status.Events {
		sinks = append(sinks, status.NewEventSink(log, conf.Status.EventInterval))
	}
	if conf.Status.SerialPort != "" {
		display, openErr := status.OpenSerialSink(conf.Status.SerialPort, conf.Status.SerialBaud, log)
		if openErr != nil {
			return openErr
		}
		defer func() {
			err = multierr.Append(err, display.Close())
		}()
		sinks = append(sinks, display)
	}

	c, err := New(conf, source, battery, sinks, log, nil)
	if err != nil {
		return err
	}
	if conf.Status.DBus {
		if err := startService(c); err != nil {
			return fmt.Errorf("starting dbus service: %w", err)
		}
	}
	return c.Run(ctx)
}

// runSimulation runs the charger against a modelled battery on a virtual
// clock.
func runSimulation(ctx context.Context, conf *config.Config, args *Simulate) error {
	simConf := sim.DefaultConfig()
	simConf.Regulator = conf.Regulator
	simConf.BatteryMilliV = float64(args.BatteryMilliV)
	simConf.ChargeGain = args.ChargeGain
	plant := sim.New(simConf)

	source := regulator.New(conf.Regulator, plant.Sensor(), plant.Actuator(), plant.Pin(), plant.BatteryReader())
	if err := source.Check(); err != nil {
		return err
	}

	clock := time.Now()
	now := func() time.Time { return clock }
	c, err := New(conf, source, plant.BatteryReader(), status.NewLogSink(log), log, now)
	if err != nil {
		return err
	}

	period := conf.Supervisor.Period
	for elapsed := time.Duration(0); elapsed < args.Duration; elapsed += period {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		plant.Advance(period)
		clock = clock.Add(period)
		if err := c.Advance(); err != nil {
			return err
		}
		if c.Supervisor().State() == StateShutdown {
			log.Infof("Simulation shut down after %s", status.FormatElapsed(elapsed+period))
			return nil
		}
		if args.Speed > 0 {
			time.Sleep(time.Duration(float64(period) / args.Speed))
		}
	}
	log.Infof("Simulation finished in %s, battery at %.0fmV", c.Supervisor().State(), plant.Battery())
	return nil
}
