package goble

import (
	"fmt"

	"github.com/srg/blelog/internal/device"
)

// NormalizeError maps known go-ble error strings to structured device errors.
// CoreBluetooth's powered-off state message is matched exactly; everything else
// is delegated to device.NormalizeError.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	if err.Error() == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?" {
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	}
	return device.NormalizeError(err)
}
