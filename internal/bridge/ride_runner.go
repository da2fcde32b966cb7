package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/events"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
)

// rideCommand represents commands sent to the ride goroutine
type rideCommand int

const (
	cmdStart rideCommand = iota
	cmdPause
	cmdStop
)

// DefaultTick is the measurement update period when none is configured
const DefaultTick = 250 * time.Millisecond

// readErrorLogInterval limits how often a failing source is logged
const readErrorLogInterval = 5 * time.Second

// RideControl is the part of the ride loop the UI drives
type RideControl interface {
	Start()
	Pause()
	Stop()
	Status() RideStatus
}

var _ RideControl = (*RideRunner)(nil)

// RideRunnerArg holds the arguments for creating a new RideRunner
type RideRunnerArg struct {
	Source     sensor.Source
	Integrator *sensor.Integrator
	Updater    *cycling.Updater
	Tick       time.Duration
	Logger     *log.Logger
}

// RideRunner owns the measurement loop: every tick it samples the source, integrates the
// reading into cumulative counters and sends the CP and CSC frames through the Updater.
// It is the only caller of the Updater.
type RideRunner struct {
	source     sensor.Source
	integrator *sensor.Integrator
	updater    *cycling.Updater
	tick       time.Duration
	logger     *log.Logger

	// Ride state (protected by mu)
	mu            sync.RWMutex
	state         RideState
	elapsed       time.Duration
	lastTick      time.Time
	reading       sensor.Reading
	snapshot      cycling.Snapshot
	frames        cycling.Frames
	updates       uint64
	failedUpdates uint64
	readErrors    uint64
	lastReadError string

	// Loop-only state
	lastUpdateOK   bool
	lastErrorLog   time.Time
	suppressedErrs int

	statusEvent *events.Feed[RideStatus]

	// Goroutine management
	ctx          context.Context
	cancel       context.CancelFunc
	cmdChan      chan rideCommand
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewRideRunner creates the runner and starts its goroutine. The ride starts Idle.
func NewRideRunner(args RideRunnerArg) *RideRunner {
	r := newRideRunner(args)
	go_func_utils.SafeGoWG(r.logger, &r.wg, func() { r.runRideLoop() })
	return r
}

func newRideRunner(args RideRunnerArg) *RideRunner {
	if args.Source == nil {
		panic("RideRunner: source cannot be nil")
	}
	if args.Integrator == nil {
		panic("RideRunner: integrator cannot be nil")
	}
	if args.Updater == nil {
		panic("RideRunner: updater cannot be nil")
	}
	if args.Logger == nil {
		panic("RideRunner: logger cannot be nil")
	}
	if args.Tick <= 0 {
		args.Tick = DefaultTick
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RideRunner{
		source:       args.Source,
		integrator:   args.Integrator,
		updater:      args.Updater,
		tick:         args.Tick,
		logger:       args.Logger,
		state:        RideIdle,
		lastUpdateOK: true,
		statusEvent:  events.NewFeed[RideStatus](true),
		ctx:          ctx,
		cancel:       cancel,
		cmdChan:      make(chan rideCommand, 4),
	}
}

// ListenToRideStatus registers a channel to receive ride status updates
// Returns a deregistration function that can be called to remove the listener
func (r *RideRunner) ListenToRideStatus(ch chan<- RideStatus) func() {
	return r.statusEvent.Listen(ch)
}

// Status returns the most recent ride status
func (r *RideRunner) Status() RideStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buildStatus(time.Now())
}

// Start begins or resumes the ride
func (r *RideRunner) Start() {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()

	if state == RideRunning {
		r.logger.Printf("RideRunner: Ride already running")
		return
	}
	r.logger.Printf("RideRunner: Starting ride")
	r.send(cmdStart)
}

// Pause freezes the counters; frames keep being sent with zero power
func (r *RideRunner) Pause() {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()

	if state != RideRunning {
		r.logger.Printf("RideRunner: Cannot pause - ride not running")
		return
	}
	r.logger.Printf("RideRunner: Pausing ride")
	r.send(cmdPause)
}

// Stop ends the ride and resets the counters
func (r *RideRunner) Stop() {
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()

	if state == RideIdle {
		r.logger.Printf("RideRunner: No ride to stop")
		return
	}
	r.logger.Printf("RideRunner: Stopping ride")
	r.send(cmdStop)
}

func (r *RideRunner) send(cmd rideCommand) {
	select {
	case r.cmdChan <- cmd:
	case <-r.ctx.Done():
	}
}

// Shutdown stops the loop and closes the source.
// The source is closed before waiting so a Read blocked on the device is released.
// Safe to call multiple times - only the first call has effect
func (r *RideRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Printf("RideRunner: Shutting down")
		r.cancel()
		if err := r.source.Close(); err != nil {
			r.logger.Printf("RideRunner: Error closing source %s: %v", r.source.Name(), err)
		}
		r.wg.Wait()
		r.logger.Printf("RideRunner: Shutdown complete")
	})
}

// buildStatus computes the published status.
// MUST be called with mu held (at least read lock).
func (r *RideRunner) buildStatus(now time.Time) RideStatus {
	status := RideStatus{
		State:         r.state,
		Source:        r.source.Name(),
		Timestamp:     now,
		Elapsed:       r.elapsed,
		Reading:       r.reading,
		Snapshot:      r.snapshot,
		Frames:        r.frames,
		Updates:       r.updates,
		FailedUpdates: r.failedUpdates,
		ReadErrors:    r.readErrors,
		LastReadError: r.lastReadError,
		ControlPoint:  r.updater.ControlPoint().Stats(),
	}
	if p, ok := r.source.(sensor.ProgressReporter); ok {
		progress := p.Progress(r.elapsed)
		status.Progress = &progress
	}
	return status
}

func (r *RideRunner) publish(now time.Time) {
	r.mu.RLock()
	status := r.buildStatus(now)
	r.mu.RUnlock()
	r.statusEvent.Notify(status)
}

func (r *RideRunner) start(now time.Time) {
	r.mu.Lock()
	if r.state == RideRunning {
		r.mu.Unlock()
		return
	}
	r.state = RideRunning
	r.lastTick = now
	r.mu.Unlock()

	r.logger.Printf("RideRunner: Ride started (%s)", r.source.Name())
	r.publish(now)
}

func (r *RideRunner) pause(now time.Time) {
	r.mu.Lock()
	if r.state != RideRunning {
		r.mu.Unlock()
		return
	}
	r.state = RidePaused
	r.integrator.Pause()
	r.reading = sensor.Reading{ResistancePct: sensor.ResistanceUnknown}
	r.mu.Unlock()

	r.logger.Printf("RideRunner: Ride paused")
	r.publish(now)
}

func (r *RideRunner) stop(now time.Time) {
	r.mu.Lock()
	r.state = RideIdle
	r.elapsed = 0
	r.reading = sensor.Reading{}
	r.integrator.Reset()
	r.snapshot = r.integrator.Snapshot()
	r.mu.Unlock()

	r.logger.Printf("RideRunner: Ride stopped and reset")
	r.publish(now)
}

// step runs one tick of the loop
func (r *RideRunner) step(now time.Time) {
	r.mu.RLock()
	state := r.state
	elapsed := r.elapsed
	if state == RideRunning {
		elapsed += now.Sub(r.lastTick)
	}
	r.mu.RUnlock()

	switch state {
	case RideIdle:
		// Nothing is sent, but control point writes still get handled
		r.updater.ControlPoint().Poll()
		r.publish(now)
		return
	case RidePaused:
		r.sendSnapshot(r.integrator.Snapshot())
		r.publish(now)
		return
	}

	reading, err := r.source.Read(r.ctx, elapsed)

	r.mu.Lock()
	r.elapsed = elapsed
	r.lastTick = now
	var snapshot cycling.Snapshot
	if err != nil {
		r.readErrors++
		r.lastReadError = err.Error()
		snapshot = r.integrator.Snapshot()
	} else {
		snapshot, reading = r.integrator.Add(now, reading)
		r.reading = reading
	}
	r.mu.Unlock()

	if err != nil {
		r.noteReadError(now, err)
	}
	r.sendSnapshot(snapshot)
	r.publish(now)
}

// sendSnapshot hands the snapshot to the Updater and counts the outcome
func (r *RideRunner) sendSnapshot(s cycling.Snapshot) {
	ok := r.updater.UpdateSnapshot(s)
	frames := r.updater.LastFrames()

	r.mu.Lock()
	r.snapshot = s
	r.frames = frames
	r.updates++
	if !ok {
		r.failedUpdates++
	}
	r.mu.Unlock()

	if ok != r.lastUpdateOK {
		if ok {
			r.logger.Printf("RideRunner: Measurement sends recovered")
		} else {
			r.logger.Printf("RideRunner: Measurement send failed (cp=%v csc=%v)", frames.CPOK, frames.CSCOK)
		}
		r.lastUpdateOK = ok
	}
}

func (r *RideRunner) noteReadError(now time.Time, err error) {
	if now.Sub(r.lastErrorLog) < readErrorLogInterval {
		r.suppressedErrs++
		return
	}
	if r.suppressedErrs > 0 {
		r.logger.Printf("RideRunner: Read from %s failed: %v (%d more suppressed)", r.source.Name(), err, r.suppressedErrs)
	} else {
		r.logger.Printf("RideRunner: Read from %s failed: %v", r.source.Name(), err)
	}
	r.lastErrorLog = now
	r.suppressedErrs = 0
}

// runRideLoop is the main goroutine that drives the measurement updates.
func (r *RideRunner) runRideLoop() {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Printf("RideRunner: Goroutine exiting")
			return

		case cmd := <-r.cmdChan:
			now := time.Now()
			switch cmd {
			case cmdStart:
				r.start(now)
			case cmdPause:
				r.pause(now)
			case cmdStop:
				r.stop(now)
			}

		case now := <-ticker.C:
			r.step(now)
		}
	}
}
