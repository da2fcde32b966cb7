package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/config"
)

const (
	maxEmptyReads   = 3
	maxSkippedBytes = 64
)

// ErrTimeout is returned when the bike does not answer a poll in time
var ErrTimeout = errors.New("bike did not respond")

// PortOpener opens the serial line to the bike
type PortOpener func(cfg config.SerialConfig) (io.ReadWriteCloser, error)

// OpenSerialPort opens a real serial device
func OpenSerialPort(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Port, err)
	}
	return port, nil
}

// BikeSerialSource polls cadence, power and resistance from the bike's head unit line
type BikeSerialSource struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	name   string
	lut    *ResistanceLUT
	logger *log.Logger

	errors    uint64
	closeOnce sync.Once
	closeErr  error
}

var _ Source = (*BikeSerialSource)(nil)

// NewBikeSerialSource opens cfg.Port with open (OpenSerialPort when nil)
func NewBikeSerialSource(cfg config.SerialConfig, open PortOpener, lut *ResistanceLUT, logger *log.Logger) (*BikeSerialSource, error) {
	if logger == nil {
		panic("BikeSerialSource: logger cannot be nil")
	}
	if open == nil {
		open = OpenSerialPort
	}
	port, err := open(cfg)
	if err != nil {
		return nil, err
	}
	logger.Printf("BikeSerialSource: Opened %s at %d baud", cfg.Port, cfg.Baud)
	return newBikeSerialSource(port, cfg.Port, lut, logger), nil
}

func newBikeSerialSource(port io.ReadWriteCloser, name string, lut *ResistanceLUT, logger *log.Logger) *BikeSerialSource {
	if lut == nil {
		lut = NewResistanceLUT()
	}
	return &BikeSerialSource{
		port:   port,
		name:   name,
		lut:    lut,
		logger: logger,
	}
}

func (s *BikeSerialSource) Name() string {
	return "serial: " + s.name
}

// Query polls one value
func (s *BikeSerialSource) Query(t RequestType) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(t)
}

func (s *BikeSerialSource) queryLocked(t RequestType) (uint32, error) {
	if _, err := s.port.Write(EncodeRequest(t)); err != nil {
		return 0, fmt.Errorf("writing %s request: %w", t, err)
	}
	frame, err := ReadResponse(s.port)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return 0, fmt.Errorf("reading %s response: %w", t, err)
	}
	got, value, err := DecodeResponse(frame)
	if err != nil {
		return 0, fmt.Errorf("decoding %s response: %w", t, err)
	}
	if got != t {
		return 0, fmt.Errorf("%w: asked for %s, got %s", ErrUnexpectedType, t, got)
	}
	return value, nil
}

// Read polls cadence, power and raw resistance. Power arrives in deciwatts.
func (s *BikeSerialSource) Read(ctx context.Context, _ time.Duration) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Reading{ResistancePct: ResistanceUnknown}
	for _, t := range []RequestType{RequestCadence, RequestPower, RequestResistance} {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		value, err := s.queryLocked(t)
		if err != nil {
			s.errors++
			return Reading{}, err
		}
		switch t {
		case RequestCadence:
			r.CadenceRPM = float64(value)
		case RequestPower:
			r.PowerW = float64(value) / 10
		case RequestResistance:
			r.ResistancePct = s.lut.Translate(uint16(min(value, uint32(LUTUnset))))
		}
	}
	return r, nil
}

// Errors returns the number of failed polls
func (s *BikeSerialSource) Errors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// Close closes the port without waiting for an in-flight Read, which then fails.
// Later calls return the first result.
func (s *BikeSerialSource) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Printf("BikeSerialSource: Closing %s", s.name)
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}
