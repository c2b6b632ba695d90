package protocol

import "errors"

var (
	// ErrAuthFailed means the device rejected the supplied credentials
	// (PJLINK ERRA). Always fatal for the current operation.
	ErrAuthFailed = errors.New("Device rejected the supplied credentials")

	// ErrUnsupported means the device answered ERR1: the command is not
	// defined for this device and should not be issued again.
	ErrUnsupported = errors.New("Command is not supported by the device")

	// ErrBadParameter means the device answered ERR2: the parameter was
	// out of range for the command.
	ErrBadParameter = errors.New("Command parameter is out of range")

	// ErrDeviceBusy means the device answered ERR3: the command cannot be
	// performed in the device's current state.
	ErrDeviceBusy = errors.New("Device cannot perform the action right now")

	// ErrDeviceFailure means the device answered ERR4: general device
	// failure.
	ErrDeviceFailure = errors.New("Device reports a general failure")

	// ErrTransport means the socket exchange failed after all retry
	// attempts were exhausted.
	ErrTransport = errors.New("Socket communication failed")
)

// errorForCode maps an ERRn response value to its error kind. Returns nil
// for values that are not PJLink error codes.
func errorForCode(code string) error {
	switch code {
	case "ERR1":
		return ErrUnsupported
	case "ERR2":
		return ErrBadParameter
	case "ERR3":
		return ErrDeviceBusy
	case "ERR4":
		return ErrDeviceFailure
	case "ERRA":
		return ErrAuthFailed
	}

	return nil
}
