package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/bridge"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/bt"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/config"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/logging"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/store"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	must("load config", err)

	logOpts := logging.Options{Log: cfg.Log}
	if cfg.UI.Headless {
		logOpts.Console = os.Stdout
	} else {
		logOpts.LineBuffer = logging.DefaultLineBuffer
	}
	logs, err := logging.New(logOpts)
	must("set up logging", err)
	defer logs.Close()
	logger := logs.Logger

	if cfg.ConfigFile != "" {
		logger.Printf("Config: Loaded %s", cfg.ConfigFile)
	}
	state := store.Open(cfg.State.File, logger)

	peripheral := newPeripheral(cfg, logger)
	defer peripheral.Shutdown()
	must("enable BLE stack", peripheral.Enable())

	table := cycling.GattTable()
	controlPoint := cycling.NewControlPoint(cycling.DefaultControlPointMailbox)
	handles, err := peripheral.Register(table, controlPoint)
	if err != nil {
		// Services that registered still get measurements
		logger.Printf("GATT: Registration incomplete (missing %v): %v", handles.Missing(), err)
	}
	if err := state.SetHandles(handles); err != nil {
		logger.Printf("Store: Could not save handles: %v", err)
	}
	must("start advertising", peripheral.Advertise(cfg.Device.Name, advertisedServices(table)))

	source, err := newSource(cfg, state, logger)
	must("open measurement source", err)

	integrator := sensor.NewIntegrator(cfg.Wheel.CircumferenceMm, sensor.NewSpeedModel(cfg.Rider.MassKg))
	updater := cycling.NewUpdater(peripheral, &handles, controlPoint)
	rides := bridge.NewRideRunner(bridge.RideRunnerArg{
		Source:     source,
		Integrator: integrator,
		Updater:    updater,
		Tick:       cfg.Loop.Tick,
		Logger:     logger,
	})
	defer rides.Shutdown()

	if cfg.Influx.Enabled() {
		exporter := telemetry.NewExporter(cfg.Influx, cfg.Device.Name, rides, logger)
		defer exporter.Shutdown()
	}

	profileName := ""
	if sim, ok := source.(*sensor.Simulator); ok {
		profileName = sim.Profile().Name
	}
	// Headless runs have no way to start a ride later
	if cfg.Source.AutoStart || cfg.UI.Headless {
		recordProfile(state, profileName, logger)
		rides.Start()
	}

	if cfg.UI.Headless {
		runHeadless(logger)
		return
	}

	gatt := bridge.GattStatus{
		LocalName: cfg.Device.Name,
		Table:     table,
		Handles:   handles,
		Sink:      peripheral.Stats(),
		Centrals:  peripheral.ConnectedCentrals(),
	}
	runDashboard(cfg, rides, peripheral, gatt, state, profileName, logs)
}

func newPeripheral(cfg *config.Config, logger *log.Logger) bt.Peripheral {
	if cfg.Mock.Enabled {
		logger.Printf("Using mock peripheral")
		return bt.NewMockPeripheral(logger, bt.MockPeripheralConfig{ServerPort: cfg.Mock.HTTPPort})
	}
	return bt.NewBLEPeripheral(bluetooth.DefaultAdapter, logger)
}

func advertisedServices(table []cycling.ServiceSpec) []uint16 {
	uuids := make([]uint16, 0, len(table))
	for _, svc := range table {
		uuids = append(uuids, svc.UUID)
	}
	return uuids
}

// newSource opens the configured source. A stored force-simulator flag overrides the serial bike.
func newSource(cfg *config.Config, state *store.Store, logger *log.Logger) (sensor.Source, error) {
	kind := cfg.Source.Kind
	if kind == config.SourceSerial && state.State().ForceSimulator {
		logger.Printf("Source: Simulator forced by stored state")
		kind = config.SourceSimulator
	}

	switch kind {
	case config.SourceSerial:
		return sensor.NewBikeSerialSource(cfg.Serial, sensor.OpenSerialPort, state.ResistanceLUT(), logger)
	case config.SourceSimulator:
		profiles, err := sensor.AllProfiles(cfg.Source.ProfileFile)
		if err != nil {
			return nil, err
		}
		profile, err := sensor.FindProfile(profiles, cfg.Source.Profile)
		if err != nil {
			return nil, err
		}
		return sensor.NewSimulator(profile, cfg.Rider.FTP, logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

func recordProfile(state *store.Store, name string, logger *log.Logger) {
	if name == "" {
		return
	}
	if err := state.SetLastProfile(name); err != nil {
		logger.Printf("Store: Could not save last profile: %v", err)
	}
}

func runHeadless(logger *log.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Printf("Running headless, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Printf("Shutting down")
}

func runDashboard(cfg *config.Config, rides *bridge.RideRunner, peripheral bt.Peripheral, gatt bridge.GattStatus, state *store.Store, profileName string, logs *logging.Setup) {
	logger := logs.Logger
	app := tview.NewApplication()

	model := bridge.NewUIModel(bridge.NewUIModelArg{
		Rides:                rides,
		Peripheral:           peripheral,
		Gatt:                 gatt,
		WheelCircumferenceMm: cfg.Wheel.CircumferenceMm,
		Logger:               logger,
		LogLines:             logs.Lines,
	})
	defer model.Shutdown()

	controller := bridge.NewUIController(bridge.NewUIControllerArg{
		Model:    model,
		Ride:     rides,
		Profiles: state,
		Profile:  profileName,
		Logger:   logger,
	})

	view := bridge.NewBaseUIView(bridge.NewBaseUIViewArg{
		UIViewImpl:   bridge.NewCursesUIView(logger, app),
		UIModel:      model,
		UIController: controller,
		Logger:       logger,
	})
	defer view.Shutdown()

	must("run dashboard", view.Run())
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
