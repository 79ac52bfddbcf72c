package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/pkg/config"
)

// FormatUserError turns known errors into a message an operator can act on.
func FormatUserError(err error) string {
	var verr *config.ValidationError
	switch {
	case errors.As(err, &verr):
		var b strings.Builder
		b.WriteString("invalid configuration:")
		for _, p := range verr.Problems {
			b.WriteString("\n  - ")
			b.WriteString(p)
		}
		return b.String()
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable it and try again."
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("BLE is not available on this system (%v)", err)
	default:
		return err.Error()
	}
}
