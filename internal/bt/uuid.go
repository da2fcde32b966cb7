package bt

import (
	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// BaseUUID is the Bluetooth SIG base; 16-bit assigned numbers occupy bytes 2 and 3
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805F9B34FB")

// ExpandUUID16 returns the 128-bit form of a SIG assigned number
func ExpandUUID16(short uint16) uuid.UUID {
	full := BaseUUID
	full[2] = byte(short >> 8)
	full[3] = byte(short)
	return full
}

// ShortUUID reports the 16-bit assigned number of a SIG-based UUID
func ShortUUID(full uuid.UUID) (uint16, bool) {
	masked := full
	masked[2], masked[3] = 0, 0
	if masked != BaseUUID {
		return 0, false
	}
	return uint16(full[2])<<8 | uint16(full[3]), true
}

func toBluetoothUUID(short uint16) bluetooth.UUID {
	return bluetooth.NewUUID(ExpandUUID16(short))
}
