// Package status defines the connection status codes reported by the link
// managers and their drivers. Negative codes are errors.
package status

import "fmt"

// Code is a connection status code.
type Code int

const (
	Idle                   Code = 0
	ConfigureForPairing    Code = 1
	PairingIdle            Code = 2
	Pairing                Code = 3
	ConfigureForConnecting Code = 4
	Connecting             Code = 5
	Connected              Code = 6
	Disconnected           Code = 7
	Reconfiguring          Code = 8
	Reconfigured           Code = 9

	DriverNotConnected   Code = 100
	DriverConnected      Code = 101
	DriverWiredConnected Code = 102

	ErrorStatus        Code = -1
	ErrorPairing       Code = -2
	ErrorConnecting    Code = -3
	ErrorReconfiguring Code = -4

	ErrorDriverDetection     Code = -100
	ErrorDriverConnection    Code = -101
	ErrorDriverLogin         Code = -102
	ErrorDriverConfiguration Code = -103
	ErrorDriverTimeout       Code = -104
)

// Status pairs a code with the driver instance or peer it refers to.
type Status struct {
	Code    Code
	Context string
}

// IsError reports whether the code represents a failure.
func (c Code) IsError() bool {
	return c < 0
}

func (c Code) String() string {
	switch c {
	case Idle:
		return "IDLE"
	case ConfigureForPairing:
		return "CONFIGURE_FOR_PAIRING"
	case PairingIdle:
		return "PAIRING_IDLE"
	case Pairing:
		return "PAIRING"
	case ConfigureForConnecting:
		return "CONFIGURE_FOR_CONNECTING"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case Reconfiguring:
		return "RECONFIGURING"
	case Reconfigured:
		return "RECONFIGURED"
	case DriverNotConnected:
		return "DRIVER_NOT_CONNECTED"
	case DriverConnected:
		return "DRIVER_CONNECTED"
	case DriverWiredConnected:
		return "DRIVER_WIRED_CONNECTED"
	case ErrorStatus:
		return "ERROR_STATUS"
	case ErrorPairing:
		return "ERROR_PAIRING"
	case ErrorConnecting:
		return "ERROR_CONNECTING"
	case ErrorReconfiguring:
		return "ERROR_RECONFIGURING"
	case ErrorDriverDetection:
		return "ERROR_DRIVER_DETECTION"
	case ErrorDriverConnection:
		return "ERROR_DRIVER_CONNECTION"
	case ErrorDriverLogin:
		return "ERROR_DRIVER_LOGIN"
	case ErrorDriverConfiguration:
		return "ERROR_DRIVER_CONFIGURATION"
	case ErrorDriverTimeout:
		return "ERROR_DRIVER_TIMEOUT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(c))
	}
}
