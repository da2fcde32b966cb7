package cycling

// Snapshot is one sensor-state sample fed to Update
type Snapshot struct {
	CrankRevs   uint16 `json:"crankRevs"`
	LastCrankMs uint32 `json:"lastCrankMs"`
	WheelRevs   uint32 `json:"wheelRevs"`
	LastWheelMs uint32 `json:"lastWheelMs"`
	PowerW      uint16 `json:"powerW"`
	EnergyKJ    uint16 `json:"energyKJ"`
}

// Frames holds copies of the payloads sent by the last Update
type Frames struct {
	CP    []byte
	CSC   []byte
	CPOK  bool
	CSCOK bool
}

// Updater encodes measurement frames and hands them to a Sink.
// It is not safe for concurrent use: one control loop calls Update per tick.
type Updater struct {
	sink         Sink
	handles      *Handles
	controlPoint *ControlPoint
	cp           CPFrame
	csc          CSCFrame
	cpOK         bool
	cscOK        bool
}

// NewUpdater wires an Updater to the handles produced by registration.
// A nil controlPoint gets a default handler.
func NewUpdater(sink Sink, handles *Handles, controlPoint *ControlPoint) *Updater {
	if sink == nil {
		panic("Updater: sink cannot be nil")
	}
	if handles == nil {
		panic("Updater: handles cannot be nil")
	}
	if controlPoint == nil {
		controlPoint = NewControlPoint(DefaultControlPointMailbox)
	}
	return &Updater{
		sink:         sink,
		handles:      handles,
		controlPoint: controlPoint,
	}
}

// Update sends the CP frame, then the CSC frame, then polls the control point.
// It returns true only if both sends succeeded.
func (u *Updater) Update(crankRevs uint16, lastCrankMs uint32, wheelRevs uint32, lastWheelMs uint32, powerW uint16, energyKJ uint16) bool {
	u.cpOK = u.sink.SetCharacteristic(u.handles.CPMeasurement, u.cp.Encode(powerW, energyKJ))
	u.cscOK = u.sink.SetCharacteristic(u.handles.CSCMeasurement, u.csc.Encode(crankRevs, lastCrankMs, wheelRevs, lastWheelMs))
	u.controlPoint.Poll()
	return u.cpOK && u.cscOK
}

// UpdateSnapshot is Update with the inputs taken from a Snapshot
func (u *Updater) UpdateSnapshot(s Snapshot) bool {
	return u.Update(s.CrankRevs, s.LastCrankMs, s.WheelRevs, s.LastWheelMs, s.PowerW, s.EnergyKJ)
}

// LastFrames returns copies of the payloads and results of the last Update
func (u *Updater) LastFrames() Frames {
	return Frames{
		CP:    append([]byte(nil), u.cp.Bytes()...),
		CSC:   append([]byte(nil), u.csc.Bytes()...),
		CPOK:  u.cpOK,
		CSCOK: u.cscOK,
	}
}

// ControlPoint returns the handler polled by Update
func (u *Updater) ControlPoint() *ControlPoint {
	return u.controlPoint
}

// Handles returns the registration result the Updater sends to
func (u *Updater) Handles() *Handles {
	return u.handles
}
