package cycling

import "sync"

// ControlPointState is a state of the SC Control Point state machine
type ControlPointState int

const (
	ControlPointIdle ControlPointState = iota // Accepting writes
)

func (s ControlPointState) String() string {
	switch s {
	case ControlPointIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// ControlPointEvent drives the state machine
type ControlPointEvent int

const (
	ControlPointWriteReceived ControlPointEvent = iota
)

// ControlPointAction is what the handler does when a transition fires
type ControlPointAction int

const (
	// ActionAcknowledgeSilently accepts the write with no response and no indication
	ActionAcknowledgeSilently ControlPointAction = iota
)

func (a ControlPointAction) String() string {
	switch a {
	case ActionAcknowledgeSilently:
		return "AcknowledgeSilently"
	default:
		return "Unknown"
	}
}

type controlPointTransition struct {
	next   ControlPointState
	action ControlPointAction
}

type controlPointKey struct {
	state ControlPointState
	event ControlPointEvent
}

// controlPointTransitions is the full transition table. Response procedures are added as rows.
var controlPointTransitions = map[controlPointKey]controlPointTransition{
	{ControlPointIdle, ControlPointWriteReceived}: {next: ControlPointIdle, action: ActionAcknowledgeSilently},
}

// DefaultControlPointMailbox is the number of writes buffered between two polls
const DefaultControlPointMailbox = 16

// ControlPointStats is a point-in-time view of the handler for diagnostics
type ControlPointStats struct {
	State        ControlPointState
	Acknowledged uint64
	Dropped      uint64
	Unhandled    uint64
	LastWrite    []byte
	LastAction   ControlPointAction
}

// ControlPoint handles writes to the SC Control Point characteristic.
// Write may be called from any goroutine (BLE stack callbacks); Poll runs on the update loop.
type ControlPoint struct {
	mu           sync.Mutex
	mailbox      [][]byte
	mailboxSize  int
	state        ControlPointState
	acknowledged uint64
	dropped      uint64
	unhandled    uint64
	lastWrite    []byte
	lastAction   ControlPointAction
}

// NewControlPoint creates a handler in the Idle state buffering up to mailboxSize writes
func NewControlPoint(mailboxSize int) *ControlPoint {
	if mailboxSize <= 0 {
		mailboxSize = DefaultControlPointMailbox
	}
	return &ControlPoint{
		mailbox:     make([][]byte, 0, mailboxSize),
		mailboxSize: mailboxSize,
		state:       ControlPointIdle,
	}
}

// Write queues a value written by a central. Returns false if the mailbox is full.
func (c *ControlPoint) Write(value []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mailbox) >= c.mailboxSize {
		c.dropped++
		return false
	}
	c.mailbox = append(c.mailbox, append([]byte(nil), value...))
	return true
}

// Poll drives every queued write through the transition table and returns how many were handled
func (c *ControlPoint) Poll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	handled := 0
	for _, value := range c.mailbox {
		t, ok := controlPointTransitions[controlPointKey{c.state, ControlPointWriteReceived}]
		if !ok {
			c.unhandled++
			continue
		}
		c.state = t.next
		c.lastAction = t.action
		c.lastWrite = value
		switch t.action {
		case ActionAcknowledgeSilently:
			c.acknowledged++
		}
		handled++
	}
	c.mailbox = c.mailbox[:0]
	return handled
}

// State returns the current state
func (c *ControlPoint) State() ControlPointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a copy of the handler counters
func (c *ControlPoint) Stats() ControlPointStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControlPointStats{
		State:        c.state,
		Acknowledged: c.acknowledged,
		Dropped:      c.dropped,
		Unhandled:    c.unhandled,
		LastWrite:    append([]byte(nil), c.lastWrite...),
		LastAction:   c.lastAction,
	}
}
