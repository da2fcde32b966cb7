package cycling

// Bluetooth SIG assigned numbers for the Cycling Power and Cycling Speed and Cadence services
const (
	ServiceUUIDCyclingPower        uint16 = 0x1818
	ServiceUUIDCyclingSpeedCadence uint16 = 0x1816

	CharUUIDCyclingPowerMeasurement uint16 = 0x2A63
	CharUUIDCyclingPowerFeature     uint16 = 0x2A65
	CharUUIDSensorLocation          uint16 = 0x2A5D
	CharUUIDCSCMeasurement          uint16 = 0x2A5B
	CharUUIDCSCFeature              uint16 = 0x2A5C
	CharUUIDSCControlPoint          uint16 = 0x2A55
)

// Cycling Power Feature bits (0x2A65)
const (
	CPFeatureWheelRevolutionDataSupported uint32 = 1 << 2
	CPFeatureCrankRevolutionDataSupported uint32 = 1 << 3
	CPFeatureAccumulatedEnergySupported   uint32 = 1 << 7
)

// CSC Feature bits (0x2A5C)
const (
	CSCFeatureWheelRevolutionDataSupported uint16 = 1 << 0
	CSCFeatureCrankRevolutionDataSupported uint16 = 1 << 1
)

// Sensor Location values (0x2A5D)
const (
	SensorLocationOther     byte = 0
	SensorLocationLeftCrank byte = 5
)

// Measurement flag fields
const (
	CPFlagAccumulatedEnergyPresent uint16 = 1 << 2
	CSCFlagWheelRevolutionPresent  byte   = 1 << 0
	CSCFlagCrankRevolutionPresent  byte   = 1 << 1
)

// Property is the set of GATT operations a characteristic permits
type Property uint8

const (
	PropertyRead Property = 1 << iota
	PropertyWrite
	PropertyNotify
	PropertyIndicate
)

// Has reports whether all bits of other are set
func (p Property) Has(other Property) bool {
	return p&other == other
}

// CharacteristicSpec declares one characteristic for the registration step
type CharacteristicSpec struct {
	ID           HandleID
	Name         string
	UUID         uint16
	Properties   Property
	MinLength    int
	MaxLength    int
	InitialValue []byte
}

// ServiceSpec declares one primary service and its characteristics
type ServiceSpec struct {
	ID              HandleID
	Name            string
	UUID            uint16
	Characteristics []CharacteristicSpec
}

// GattTable returns the CP and CSC services in registration order.
// Feature and sensor location values are static and written once here.
func GattTable() []ServiceSpec {
	cpFeature := CPFeatureWheelRevolutionDataSupported |
		CPFeatureCrankRevolutionDataSupported |
		CPFeatureAccumulatedEnergySupported
	cscFeature := CSCFeatureWheelRevolutionDataSupported | CSCFeatureCrankRevolutionDataSupported

	return []ServiceSpec{
		{
			ID:   HandleCPService,
			Name: "Cycling Power Service",
			UUID: ServiceUUIDCyclingPower,
			Characteristics: []CharacteristicSpec{
				{
					ID:           HandleCPFeature,
					Name:         "Cycling Power Feature",
					UUID:         CharUUIDCyclingPowerFeature,
					Properties:   PropertyRead,
					MinLength:    4,
					MaxLength:    4,
					InitialValue: []byte{byte(cpFeature), byte(cpFeature >> 8), byte(cpFeature >> 16), byte(cpFeature >> 24)},
				},
				{
					ID:           HandleCPMeasurement,
					Name:         "Cycling Power Measurement",
					UUID:         CharUUIDCyclingPowerMeasurement,
					Properties:   PropertyRead | PropertyNotify,
					MinLength:    4,
					MaxLength:    cpBufferSize,
					InitialValue: make([]byte, cpFrameLength),
				},
				{
					ID:           HandleCPSensorLocation,
					Name:         "Cycling Power Sensor Location",
					UUID:         CharUUIDSensorLocation,
					Properties:   PropertyRead,
					MinLength:    1,
					MaxLength:    1,
					InitialValue: []byte{SensorLocationLeftCrank},
				},
			},
		},
		{
			ID:   HandleCSCService,
			Name: "Cycling Speed and Cadence Service",
			UUID: ServiceUUIDCyclingSpeedCadence,
			Characteristics: []CharacteristicSpec{
				{
					ID:           HandleCSCFeature,
					Name:         "CSC Feature",
					UUID:         CharUUIDCSCFeature,
					Properties:   PropertyRead,
					MinLength:    2,
					MaxLength:    2,
					InitialValue: []byte{byte(cscFeature), byte(cscFeature >> 8)},
				},
				{
					ID:           HandleCSCMeasurement,
					Name:         "CSC Measurement",
					UUID:         CharUUIDCSCMeasurement,
					Properties:   PropertyNotify,
					MinLength:    cscFrameLength,
					MaxLength:    cscFrameLength,
					InitialValue: make([]byte, cscFrameLength),
				},
				{
					ID:           HandleCSCSensorLocation,
					Name:         "CSC Sensor Location",
					UUID:         CharUUIDSensorLocation,
					Properties:   PropertyRead,
					MinLength:    1,
					MaxLength:    1,
					InitialValue: []byte{SensorLocationLeftCrank},
				},
				{
					ID:           HandleSCControlPoint,
					Name:         "SC Control Point",
					UUID:         CharUUIDSCControlPoint,
					Properties:   PropertyWrite | PropertyIndicate,
					MinLength:    1,
					MaxLength:    5,
					InitialValue: []byte{0x00},
				},
			},
		},
	}
}
