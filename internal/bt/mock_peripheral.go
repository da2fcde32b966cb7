package bt

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/go_func_utils"
)

const maxRecordedWrites = 500

// WrittenValue records a value set on a characteristic
type WrittenValue struct {
	Timestamp   time.Time      `json:"timestamp"`
	Handle      cycling.Handle `json:"handle"`
	Name        string         `json:"name"`
	UUID        string         `json:"uuid"`
	Data        []byte         `json:"data"`
	DataHex     string         `json:"dataHex"`
	Description string         `json:"description"`
	OK          bool           `json:"ok"`
}

// MockCharacteristic is one row of the mock's GATT table
type MockCharacteristic struct {
	Name       string         `json:"name"`
	UUID       string         `json:"uuid"`
	Handle     cycling.Handle `json:"handle"`
	Properties []string       `json:"properties"`
	ValueHex   string         `json:"valueHex"`
	Failing    bool           `json:"failing"`
}

// MockService is a registered service and its characteristics
type MockService struct {
	Name            string               `json:"name"`
	UUID            string               `json:"uuid"`
	Handle          cycling.Handle       `json:"handle"`
	Characteristics []MockCharacteristic `json:"characteristics"`
}

// MockControlPointState mirrors cycling.ControlPointStats for the web API
type MockControlPointState struct {
	State        string `json:"state"`
	Acknowledged uint64 `json:"acknowledged"`
	Dropped      uint64 `json:"dropped"`
	LastWriteHex string `json:"lastWriteHex"`
}

// MockPeripheralState represents the current state for the web API
type MockPeripheralState struct {
	Enabled      bool                   `json:"enabled"`
	Advertising  bool                   `json:"advertising"`
	LocalName    string                 `json:"localName"`
	Services     []MockService          `json:"services"`
	Handles      cycling.Handles        `json:"handles"`
	Stats        SinkStats              `json:"stats"`
	ControlPoint *MockControlPointState `json:"controlPoint,omitempty"`
	Centrals     []string               `json:"centrals"`
}

// MockPeripheralConfig holds configuration for creating a mock peripheral
type MockPeripheralConfig struct {
	// ServerPort enables the inspection web server when > 0
	ServerPort int
	// FailServices makes Register fail for these services, as a radio that rejects them would
	FailServices []cycling.HandleID
}

type mockChar struct {
	spec    cycling.CharacteristicSpec
	value   []byte
	failing bool
}

type mockService struct {
	spec   cycling.ServiceSpec
	handle cycling.Handle
	chars  []cycling.Handle
}

// MockPeripheral implements Peripheral without Bluetooth hardware. Every write is recorded
// and decoded, and a small web API allows inspection and fault injection.
type MockPeripheral struct {
	logger *log.Logger
	config MockPeripheralConfig

	mu           sync.RWMutex
	enabled      bool
	advertising  bool
	localName    string
	services     []*mockService
	chars        map[cycling.Handle]*mockChar
	handles      handleAllocator
	registered   cycling.Handles
	controlPoint *cycling.ControlPoint

	writesMu sync.RWMutex
	writes   []WrittenValue

	centrals *centralTracker
	counters sinkCounters

	server *http.Server
	wg     sync.WaitGroup
}

func NewMockPeripheral(logger *log.Logger, config MockPeripheralConfig) *MockPeripheral {
	if logger == nil {
		panic("MockPeripheral: logger cannot be nil")
	}
	return &MockPeripheral{
		logger:   logger,
		config:   config,
		chars:    make(map[cycling.Handle]*mockChar),
		writes:   make([]WrittenValue, 0),
		centrals: newCentralTracker(),
	}
}

// Enable starts the inspection web server if a port is configured
func (m *MockPeripheral) Enable() error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return nil
	}
	m.enabled = true
	m.mu.Unlock()

	m.logger.Printf("MockPeripheral: Enabled")
	if m.config.ServerPort <= 0 {
		return nil
	}

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.config.ServerPort),
		Handler: m.Handler(),
	}
	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		m.logger.Printf("MockPeripheral: Web server starting on http://localhost:%d", m.config.ServerPort)
		if err := m.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			m.logger.Printf("MockPeripheral: Web server error: %v", err)
		}
	})
	return nil
}

func (m *MockPeripheral) shouldFail(id cycling.HandleID) bool {
	for _, f := range m.config.FailServices {
		if f == id {
			return true
		}
	}
	return false
}

func (m *MockPeripheral) Register(table []cycling.ServiceSpec, controlPoint *cycling.ControlPoint) (cycling.Handles, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var handles cycling.Handles
	if !m.enabled {
		return handles, ErrNotEnabled
	}

	var errs []error
	for _, svc := range table {
		if m.shouldFail(svc.ID) {
			m.logger.Printf("MockPeripheral: Could not add %s: injected failure", svc.Name)
			errs = append(errs, fmt.Errorf("adding %s: injected failure", svc.Name))
			continue
		}
		ms := &mockService{spec: svc, handle: m.handles.next()}
		if err := handles.Set(svc.ID, ms.handle); err != nil {
			errs = append(errs, err)
		}
		for _, cs := range svc.Characteristics {
			h := m.handles.next()
			m.chars[h] = &mockChar{spec: cs, value: append([]byte(nil), cs.InitialValue...)}
			ms.chars = append(ms.chars, h)
			if err := handles.Set(cs.ID, h); err != nil {
				errs = append(errs, err)
			}
		}
		m.services = append(m.services, ms)
		m.logger.Printf("MockPeripheral: Added %s with %d characteristics", svc.Name, len(svc.Characteristics))
	}
	m.registered = handles
	m.controlPoint = controlPoint
	return handles, errors.Join(errs...)
}

func (m *MockPeripheral) Advertise(localName string, serviceUUIDs []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return ErrNotEnabled
	}
	m.advertising = true
	m.localName = localName
	m.logger.Printf("MockPeripheral: Advertising as %q with services %04X", localName, serviceUUIDs)
	return nil
}

func (m *MockPeripheral) SetCharacteristic(handle cycling.Handle, payload []byte) bool {
	record := WrittenValue{
		Timestamp: time.Now(),
		Handle:    handle,
		Data:      append([]byte(nil), payload...),
		DataHex:   hex.EncodeToString(payload),
	}

	ok, reason := m.setCharacteristic(handle, payload, &record)
	record.OK = ok
	m.recordWrite(record)
	if !ok {
		return m.counters.fail(reason)
	}
	m.counters.ok()
	return true
}

func (m *MockPeripheral) setCharacteristic(handle cycling.Handle, payload []byte, record *WrittenValue) (bool, string) {
	if !handle.Valid() {
		return false, "write to unregistered characteristic"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.chars[handle]
	if !ok {
		return false, fmt.Sprintf("unknown handle %d", handle)
	}
	record.Name = mc.spec.Name
	record.UUID = ExpandUUID16(mc.spec.UUID).String()
	record.Description = describeValue(mc.spec, payload)

	if mc.failing {
		return false, fmt.Sprintf("%s: injected failure", mc.spec.Name)
	}
	if err := checkLength(mc.spec, payload); err != nil {
		return false, err.Error()
	}
	mc.value = append(mc.value[:0], payload...)
	return true, ""
}

// describeValue decodes a value the way a central would see it
func describeValue(spec cycling.CharacteristicSpec, data []byte) string {
	switch spec.ID {
	case cycling.HandleCPMeasurement:
		m, err := cycling.ParseCPMeasurement(data)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("CP: flags=0x%04X power=%dW energy=%dkJ", m.Flags, m.PowerW, m.AccumulatedEnergyKJ)
	case cycling.HandleCSCMeasurement:
		m, err := cycling.ParseCSCMeasurement(data)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("CSC: wheel=%d@%d crank=%d@%d (1/1024s)", m.WheelRevs, m.WheelEventTime, m.CrankRevs, m.CrankEventTime)
	default:
		return fmt.Sprintf("%s: % X", spec.Name, data)
	}
}

func (m *MockPeripheral) recordWrite(w WrittenValue) {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	m.writes = append(m.writes, w)
	if len(m.writes) > maxRecordedWrites {
		m.writes = m.writes[len(m.writes)-maxRecordedWrites:]
	}
}

// Writes returns a copy of the recorded writes, oldest first
func (m *MockPeripheral) Writes() []WrittenValue {
	m.writesMu.RLock()
	defer m.writesMu.RUnlock()
	result := make([]WrittenValue, len(m.writes))
	copy(result, m.writes)
	return result
}

// Value returns the current value of a characteristic
func (m *MockPeripheral) Value(handle cycling.Handle) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.chars[handle]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), mc.value...), true
}

// SetFailing makes every SetCharacteristic on handle fail until cleared
func (m *MockPeripheral) SetFailing(handle cycling.Handle, failing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.chars[handle]
	if !ok {
		return fmt.Errorf("unknown handle %d", handle)
	}
	mc.failing = failing
	m.logger.Printf("MockPeripheral: %s (handle %d) failing=%v", mc.spec.Name, handle, failing)
	return nil
}

// WriteControlPoint simulates a central writing the SC control point
func (m *MockPeripheral) WriteControlPoint(value []byte) error {
	m.mu.RLock()
	cp := m.controlPoint
	m.mu.RUnlock()
	if cp == nil {
		return errors.New("no control point registered")
	}
	if !cp.Write(value) {
		return errors.New("control point mailbox full")
	}
	return nil
}

// SetCentralConnected simulates a central connecting or disconnecting
func (m *MockPeripheral) SetCentralConnected(address string, connected bool) {
	m.logger.Printf("MockPeripheral: Central %s connected=%v", address, connected)
	m.centrals.set(address, connected)
}

func (m *MockPeripheral) ConnectedCentrals() []string {
	return m.centrals.list()
}

func (m *MockPeripheral) ListenToCentrals(ch chan<- []string) func() {
	return m.centrals.event.Listen(ch)
}

func (m *MockPeripheral) Stats() SinkStats {
	return m.counters.snapshot()
}

func propertyNames(p cycling.Property) []string {
	names := make([]string, 0, 4)
	for _, pn := range []struct {
		prop cycling.Property
		name string
	}{
		{cycling.PropertyRead, "read"},
		{cycling.PropertyWrite, "write"},
		{cycling.PropertyNotify, "notify"},
		{cycling.PropertyIndicate, "indicate"},
	} {
		if p.Has(pn.prop) {
			names = append(names, pn.name)
		}
	}
	return names
}

// State returns the web API view of the mock
func (m *MockPeripheral) State() MockPeripheralState {
	m.mu.RLock()
	state := MockPeripheralState{
		Enabled:     m.enabled,
		Advertising: m.advertising,
		LocalName:   m.localName,
		Services:    make([]MockService, 0, len(m.services)),
		Handles:     m.registered,
	}
	for _, ms := range m.services {
		svc := MockService{
			Name:            ms.spec.Name,
			UUID:            ExpandUUID16(ms.spec.UUID).String(),
			Handle:          ms.handle,
			Characteristics: make([]MockCharacteristic, 0, len(ms.chars)),
		}
		for _, h := range ms.chars {
			mc := m.chars[h]
			svc.Characteristics = append(svc.Characteristics, MockCharacteristic{
				Name:       mc.spec.Name,
				UUID:       ExpandUUID16(mc.spec.UUID).String(),
				Handle:     h,
				Properties: propertyNames(mc.spec.Properties),
				ValueHex:   hex.EncodeToString(mc.value),
				Failing:    mc.failing,
			})
		}
		state.Services = append(state.Services, svc)
	}
	cp := m.controlPoint
	m.mu.RUnlock()

	if cp != nil {
		stats := cp.Stats()
		state.ControlPoint = &MockControlPointState{
			State:        stats.State.String(),
			Acknowledged: stats.Acknowledged,
			Dropped:      stats.Dropped,
			LastWriteHex: hex.EncodeToString(stats.LastWrite),
		}
	}
	state.Stats = m.counters.snapshot()
	state.Centrals = m.centrals.list()
	return state
}

// Handler serves the inspection API:
//
//	GET  /api/state
//	GET  /api/writes?limit=N
//	POST /api/fail?handle=N&fail=true|false
//	POST /api/control-point?hex=01
//	POST /api/central?address=AA:BB&connected=true|false
func (m *MockPeripheral) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", m.handleGetState)
	mux.HandleFunc("/api/writes", m.handleGetWrites)
	mux.HandleFunc("/api/fail", m.handleFail)
	mux.HandleFunc("/api/control-point", m.handleControlPoint)
	mux.HandleFunc("/api/central", m.handleCentral)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *MockPeripheral) handleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.State())
}

func (m *MockPeripheral) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writes := m.Writes()
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if limit < len(writes) {
			writes = writes[len(writes)-limit:]
		}
	}
	writeJSON(w, writes)
}

func (m *MockPeripheral) handleFail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	handle, err := strconv.ParseUint(q.Get("handle"), 10, 16)
	if err != nil {
		http.Error(w, "handle must be a 16-bit integer", http.StatusBadRequest)
		return
	}
	fail := true
	if s := q.Get("fail"); s != "" {
		if fail, err = strconv.ParseBool(s); err != nil {
			http.Error(w, "fail must be true or false", http.StatusBadRequest)
			return
		}
	}
	if err := m.SetFailing(cycling.Handle(handle), fail); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *MockPeripheral) handleControlPoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	value, err := hex.DecodeString(strings.ReplaceAll(r.URL.Query().Get("hex"), " ", ""))
	if err != nil || len(value) == 0 {
		http.Error(w, "hex must be a non-empty hex string", http.StatusBadRequest)
		return
	}
	if err := m.WriteControlPoint(value); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m *MockPeripheral) handleCentral(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	address := q.Get("address")
	if address == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	connected, err := strconv.ParseBool(q.Get("connected"))
	if err != nil {
		http.Error(w, "connected must be true or false", http.StatusBadRequest)
		return
	}
	m.SetCentralConnected(address, connected)
	w.WriteHeader(http.StatusOK)
}

// Shutdown stops the web server
func (m *MockPeripheral) Shutdown() {
	m.logger.Printf("MockPeripheral: Shutting down")
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Printf("MockPeripheral: Error shutting down web server: %v", err)
		}
	}
	m.wg.Wait()
	m.mu.Lock()
	m.advertising = false
	m.mu.Unlock()
	m.logger.Printf("MockPeripheral: Shutdown complete")
}
