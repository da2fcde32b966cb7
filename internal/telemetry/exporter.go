package telemetry

import (
	"context"
	"encoding/hex"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/bridge"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/config"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
)

const (
	writeTimeout     = 2 * time.Second
	errorLogInterval = 30 * time.Second
	statusBuffer     = 16
)

// PointWriter is the blocking write API of the InfluxDB client
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// RideStatusFeed is implemented by the ride loop
type RideStatusFeed interface {
	ListenToRideStatus(ch chan<- bridge.RideStatus) func()
}

// Stats counts exported points
type Stats struct {
	Written uint64
	Failed  uint64
}

// Exporter writes one point per ride tick to InfluxDB on its own goroutine.
// Statuses arriving while a write is in flight queue up to a small buffer and are then
// dropped, so a slow database never holds up the ride loop.
type Exporter struct {
	writer      PointWriter
	closeClient func()
	measurement string
	device      string
	logger      *log.Logger

	mu          sync.Mutex
	stats       Stats
	lastErrLog  time.Time
	lastUpdates uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewExporter connects to the configured InfluxDB and starts exporting statuses from feed
func NewExporter(cfg config.InfluxConfig, device string, feed RideStatusFeed, logger *log.Logger) *Exporter {
	if logger == nil {
		panic("Exporter: logger cannot be nil")
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(writeTimeout/time.Second)))
	logger.Printf("Exporter: Writing to %s (org %s, bucket %s)", cfg.URL, cfg.Org, cfg.Bucket)
	return newExporter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.Close, cfg.Measurement, device, feed, logger)
}

func newExporter(writer PointWriter, closeClient func(), measurement, device string, feed RideStatusFeed, logger *log.Logger) *Exporter {
	if writer == nil {
		panic("Exporter: writer cannot be nil")
	}
	if feed == nil {
		panic("Exporter: feed cannot be nil")
	}
	if logger == nil {
		panic("Exporter: logger cannot be nil")
	}
	if measurement == "" {
		measurement = "cycling"
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Exporter{
		writer:      writer,
		closeClient: closeClient,
		measurement: measurement,
		device:      device,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	ch := make(chan bridge.RideStatus, statusBuffer)
	unregister := feed.ListenToRideStatus(ch)
	go_func_utils.SafeGoWG(logger, &e.wg, func() {
		defer unregister()
		e.run(ch)
	})
	return e
}

func (e *Exporter) run(ch <-chan bridge.RideStatus) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case status, ok := <-ch:
			if !ok {
				return
			}
			e.export(status)
		}
	}
}

// export writes statuses that carry a new measurement send
func (e *Exporter) export(status bridge.RideStatus) {
	if status.State == bridge.RideIdle || status.Updates == e.lastUpdates {
		return
	}
	e.lastUpdates = status.Updates

	ctx, cancel := context.WithTimeout(e.ctx, writeTimeout)
	defer cancel()
	err := e.writer.WritePoint(ctx, NewPoint(e.measurement, e.device, status))

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.stats.Written++
		return
	}
	e.stats.Failed++
	if now := time.Now(); now.Sub(e.lastErrLog) >= errorLogInterval {
		e.lastErrLog = now
		e.logger.Printf("Exporter: Write failed (%d failures so far): %v", e.stats.Failed, err)
	}
}

// NewPoint converts a ride status into an InfluxDB point
func NewPoint(measurement, device string, s bridge.RideStatus) *write.Point {
	tags := map[string]string{
		"device": device,
		"source": s.Source,
		"state":  s.State.String(),
	}
	fields := map[string]interface{}{
		"power_w":        int64(s.Snapshot.PowerW),
		"cadence_rpm":    s.Reading.CadenceRPM,
		"speed_kmh":      s.Reading.SpeedKmh,
		"crank_revs":     int64(s.Snapshot.CrankRevs),
		"last_crank_ms":  int64(s.Snapshot.LastCrankMs),
		"wheel_revs":     int64(s.Snapshot.WheelRevs),
		"last_wheel_ms":  int64(s.Snapshot.LastWheelMs),
		"energy_kj":      int64(s.Snapshot.EnergyKJ),
		"elapsed_s":      s.Elapsed.Seconds(),
		"cp_frame":       hex.EncodeToString(s.Frames.CP),
		"csc_frame":      hex.EncodeToString(s.Frames.CSC),
		"cp_ok":          s.Frames.CPOK,
		"csc_ok":         s.Frames.CSCOK,
		"ok":             s.Frames.CPOK && s.Frames.CSCOK,
		"failed_updates": int64(s.FailedUpdates),
	}
	if s.Reading.ResistancePct != sensor.ResistanceUnknown {
		fields["resistance_pct"] = int64(s.Reading.ResistancePct)
	}
	if s.Progress != nil {
		fields["target_power_w"] = s.Progress.TargetPowerW
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(measurement, tags, fields, ts)
}

// Stats returns the export counters
func (e *Exporter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Shutdown stops exporting and closes the client
// Safe to call multiple times - only the first call has effect
func (e *Exporter) Shutdown() {
	e.once.Do(func() {
		e.logger.Printf("Exporter: Shutting down")
		e.cancel()
		e.wg.Wait()
		if e.closeClient != nil {
			e.closeClient()
		}
		stats := e.Stats()
		e.logger.Printf("Exporter: Shutdown complete (%d written, %d failed)", stats.Written, stats.Failed)
	})
}
