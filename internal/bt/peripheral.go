package bt

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/lowaak/smart-trainer/cycling-gatt/internal/cycling"
	"github.com/lowaak/smart-trainer/cycling-gatt/internal/events"

	"tinygo.org/x/bluetooth"
)

// ErrNotEnabled is returned when the radio is used before Enable
var ErrNotEnabled = errors.New("peripheral not enabled")

// Peripheral is the GATT server side of the bridge: it registers the cycling services,
// advertises them and pushes measurement values to connected centrals.
type Peripheral interface {
	cycling.Sink
	Enable() error
	// Register adds every service in table. A service that cannot be added keeps zero
	// handles; the returned error joins all such failures.
	Register(table []cycling.ServiceSpec, controlPoint *cycling.ControlPoint) (cycling.Handles, error)
	Advertise(localName string, serviceUUIDs []uint16) error
	ConnectedCentrals() []string
	ListenToCentrals(ch chan<- []string) func()
	Stats() SinkStats
	Shutdown()
}

// Verify implementations
var _ Peripheral = (*BLEPeripheral)(nil)
var _ Peripheral = (*MockPeripheral)(nil)

// SinkStats counts SetCharacteristic outcomes
type SinkStats struct {
	Sent        uint64 `json:"sent"`
	Failed      uint64 `json:"failed"`
	LastFailure string `json:"lastFailure,omitempty"`
}

type sinkCounters struct {
	mu    sync.Mutex
	stats SinkStats
}

func (c *sinkCounters) ok() {
	c.mu.Lock()
	c.stats.Sent++
	c.mu.Unlock()
}

func (c *sinkCounters) fail(reason string) bool {
	c.mu.Lock()
	c.stats.Failed++
	c.stats.LastFailure = reason
	c.mu.Unlock()
	return false
}

func (c *sinkCounters) snapshot() SinkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// handleAllocator hands out sequential non-zero handles in registration order
type handleAllocator struct {
	last cycling.Handle
}

func (a *handleAllocator) next() cycling.Handle {
	a.last++
	return a.last
}

// checkLength enforces the registered min/max length of a characteristic value
func checkLength(spec cycling.CharacteristicSpec, payload []byte) error {
	if len(payload) < spec.MinLength || (spec.MaxLength > 0 && len(payload) > spec.MaxLength) {
		return fmt.Errorf("%s: %d bytes outside %d..%d", spec.Name, len(payload), spec.MinLength, spec.MaxLength)
	}
	return nil
}

// centralTracker keeps the set of connected centrals and publishes changes
type centralTracker struct {
	mu       sync.RWMutex
	centrals map[string]struct{}
	event    *events.Feed[[]string]
}

func newCentralTracker() *centralTracker {
	return &centralTracker{
		centrals: make(map[string]struct{}),
		event:    events.NewFeed[[]string](true),
	}
}

func (t *centralTracker) set(address string, connected bool) {
	t.mu.Lock()
	if connected {
		t.centrals[address] = struct{}{}
	} else {
		delete(t.centrals, address)
	}
	list := t.listLocked()
	t.mu.Unlock()
	t.event.Notify(list)
}

func (t *centralTracker) list() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listLocked()
}

func (t *centralTracker) listLocked() []string {
	result := make([]string, 0, len(t.centrals))
	for addr := range t.centrals {
		result = append(result, addr)
	}
	sort.Strings(result)
	return result
}

type registeredChar struct {
	spec cycling.CharacteristicSpec
	char bluetooth.Characteristic
}

// BLEPeripheral drives a real adapter through tinygo.org/x/bluetooth
type BLEPeripheral struct {
	adapter  *bluetooth.Adapter
	logger   *log.Logger
	mu       sync.RWMutex
	enabled  bool
	chars    map[cycling.Handle]*registeredChar
	handles  handleAllocator
	adv      *bluetooth.Advertisement
	centrals *centralTracker
	counters sinkCounters
}

func NewBLEPeripheral(adapter *bluetooth.Adapter, logger *log.Logger) *BLEPeripheral {
	if adapter == nil {
		panic("BLEPeripheral: adapter cannot be nil")
	}
	if logger == nil {
		panic("BLEPeripheral: logger cannot be nil")
	}
	return &BLEPeripheral{
		adapter:  adapter,
		logger:   logger,
		chars:    make(map[cycling.Handle]*registeredChar),
		centrals: newCentralTracker(),
	}
}

func (p *BLEPeripheral) Enable() error {
	// Set up connection handler to track centrals connecting and disconnecting
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		if connected {
			p.logger.Printf("BLEPeripheral: Central connected: %s", addressStr)
		} else {
			p.logger.Printf("BLEPeripheral: Central disconnected: %s", addressStr)
		}
		p.centrals.set(addressStr, connected)
	})

	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling BLE adapter: %w", err)
	}
	p.mu.Lock()
	p.enabled = true
	p.mu.Unlock()
	p.logger.Println("BLEPeripheral: Adapter enabled")
	return nil
}

func permissions(props cycling.Property) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if props.Has(cycling.PropertyRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if props.Has(cycling.PropertyWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if props.Has(cycling.PropertyNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	if props.Has(cycling.PropertyIndicate) {
		flags |= bluetooth.CharacteristicIndicatePermission
	}
	return flags
}

func (p *BLEPeripheral) Register(table []cycling.ServiceSpec, controlPoint *cycling.ControlPoint) (cycling.Handles, error) {
	var handles cycling.Handles

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return handles, ErrNotEnabled
	}

	var errs []error
	for _, svc := range table {
		registered := make([]*registeredChar, 0, len(svc.Characteristics))
		configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
		for _, cs := range svc.Characteristics {
			rc := &registeredChar{spec: cs}
			cfg := bluetooth.CharacteristicConfig{
				Handle: &rc.char,
				UUID:   toBluetoothUUID(cs.UUID),
				Value:  append([]byte(nil), cs.InitialValue...),
				Flags:  permissions(cs.Properties),
			}
			if cs.Properties.Has(cycling.PropertyWrite) && controlPoint != nil {
				name := cs.Name
				cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
					if !controlPoint.Write(value) {
						p.logger.Printf("BLEPeripheral: %s mailbox full, dropped write % X", name, value)
					}
				}
			}
			registered = append(registered, rc)
			configs = append(configs, cfg)
		}

		err := p.adapter.AddService(&bluetooth.Service{
			UUID:            toBluetoothUUID(svc.UUID),
			Characteristics: configs,
		})
		if err != nil {
			p.logger.Printf("BLEPeripheral: Could not add %s: %v", svc.Name, err)
			errs = append(errs, fmt.Errorf("adding %s: %w", svc.Name, err))
			continue
		}

		if err := handles.Set(svc.ID, p.handles.next()); err != nil {
			errs = append(errs, err)
		}
		for _, rc := range registered {
			h := p.handles.next()
			p.chars[h] = rc
			if err := handles.Set(rc.spec.ID, h); err != nil {
				errs = append(errs, err)
			}
		}
		p.logger.Printf("BLEPeripheral: Added %s with %d characteristics", svc.Name, len(registered))
	}
	return handles, errors.Join(errs...)
}

func (p *BLEPeripheral) Advertise(localName string, serviceUUIDs []uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return ErrNotEnabled
	}

	uuids := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		uuids = append(uuids, toBluetoothUUID(u))
	}
	adv := p.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: uuids,
	}); err != nil {
		return fmt.Errorf("configuring advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("starting advertisement: %w", err)
	}
	p.adv = adv
	p.logger.Printf("BLEPeripheral: Advertising as %q", localName)
	return nil
}

// SetCharacteristic writes payload as the new value, notifying subscribed centrals
func (p *BLEPeripheral) SetCharacteristic(handle cycling.Handle, payload []byte) bool {
	if !handle.Valid() {
		return p.counters.fail("write to unregistered characteristic")
	}
	p.mu.RLock()
	rc, ok := p.chars[handle]
	p.mu.RUnlock()
	if !ok {
		return p.counters.fail(fmt.Sprintf("unknown handle %d", handle))
	}
	if err := checkLength(rc.spec, payload); err != nil {
		return p.counters.fail(err.Error())
	}
	if _, err := rc.char.Write(payload); err != nil {
		return p.counters.fail(fmt.Sprintf("%s: %v", rc.spec.Name, err))
	}
	p.counters.ok()
	return true
}

func (p *BLEPeripheral) ConnectedCentrals() []string {
	return p.centrals.list()
}

// ListenToCentrals registers a channel to receive the connected central list on change.
// Returns a deregistration function that can be called to remove the listener
func (p *BLEPeripheral) ListenToCentrals(ch chan<- []string) func() {
	return p.centrals.event.Listen(ch)
}

func (p *BLEPeripheral) Stats() SinkStats {
	return p.counters.snapshot()
}

// Shutdown stops advertising
func (p *BLEPeripheral) Shutdown() {
	p.logger.Println("BLEPeripheral: Shutting down")
	p.mu.Lock()
	adv := p.adv
	p.adv = nil
	p.mu.Unlock()
	if adv != nil {
		if err := adv.Stop(); err != nil {
			p.logger.Printf("BLEPeripheral: Error stopping advertisement: %v", err)
		}
	}
	p.logger.Println("BLEPeripheral: Shutdown complete")
}
