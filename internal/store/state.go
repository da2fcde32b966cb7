package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/sensor"
)

// State is everything that survives a restart
type State struct {
	ResistanceLUT         []uint16        `json:"resistance_lut,omitempty"`
	ResistanceLUTChecksum uint16          `json:"resistance_lut_checksum"`
	ForceSimulator        bool            `json:"force_simulator"`
	LastProfile           string          `json:"last_profile"`
	Handles               cycling.Handles `json:"handles"`
}

// Store keeps State in a JSON file. A missing or unreadable file starts from empty state.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     State
	logger   *log.Logger
}

// Open loads filePath if it exists
func Open(filePath string, logger *log.Logger) *Store {
	if logger == nil {
		panic("Store: logger cannot be nil")
	}
	s := &Store{
		filePath: filePath,
		logger:   logger,
	}
	s.load()
	return s
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.filePath
}

// State returns a copy of the stored state
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.data
	out.ResistanceLUT = append([]uint16(nil), s.data.ResistanceLUT...)
	return out
}

// ResistanceLUT restores the calibration table. A table that fails its checksum is
// discarded and an uncalibrated one returned.
func (s *Store) ResistanceLUT() *sensor.ResistanceLUT {
	s.mu.RLock()
	entries, checksum := s.data.ResistanceLUT, s.data.ResistanceLUTChecksum
	s.mu.RUnlock()

	if len(entries) == 0 {
		s.logger.Printf("Store: no resistance calibration stored")
		return sensor.NewResistanceLUT()
	}
	lut, err := sensor.ResistanceLUTFromEntries(entries, checksum)
	if err != nil {
		s.logger.Printf("Store: discarding resistance calibration: %v", err)
		return sensor.NewResistanceLUT()
	}
	return lut
}

// SetResistanceLUT stores the table with its checksum. Invalid tables are refused.
func (s *Store) SetResistanceLUT(lut *sensor.ResistanceLUT) error {
	if !lut.Valid() {
		return errors.New("refusing to store an incomplete or non-increasing resistance LUT")
	}
	return s.update(func(d *State) {
		d.ResistanceLUT = lut.Entries()
		d.ResistanceLUTChecksum = lut.Checksum()
	})
}

func (s *Store) SetForceSimulator(force bool) error {
	return s.update(func(d *State) { d.ForceSimulator = force })
}

func (s *Store) SetLastProfile(name string) error {
	return s.update(func(d *State) { d.LastProfile = name })
}

// SetHandles records the last registration result for diagnostics
func (s *Store) SetHandles(h cycling.Handles) error {
	return s.update(func(d *State) { d.Handles = h })
}

func (s *Store) update(fn func(d *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
	return s.saveLocked()
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		s.logger.Printf("Store: load %s (no existing file)", s.filePath)
		return
	}
	var data State
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Printf("Store: load %s failed to parse: %v", s.filePath, err)
		return
	}
	s.data = data
	s.logger.Printf("Store: load %s -> profile=%q force_simulator=%v lut_entries=%d",
		s.filePath, data.LastProfile, data.ForceSimulator, len(data.ResistanceLUT))
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		s.logger.Printf("Store: save mkdir failed: %v", err)
		return fmt.Errorf("creating state directory: %w", err)
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		s.logger.Printf("Store: save %s failed: %v", s.filePath, err)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		s.logger.Printf("Store: save %s failed: %v", s.filePath, err)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
