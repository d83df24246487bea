// Package protocol defines the JSON messages exchanged over the bridge control
// channel. Commands flow from the control client to the bridge, events flow
// back. Both are closed sum types: every variant implements a sealed interface
// and is matched with a type switch at the receiving end.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a failure reported to a client. Codes travel inside status
// events and are stable strings that UIs may match on.
type Code string

const (
	CodeMalformedMessage Code = "MalformedMessage"
	CodeDeviceNotFound   Code = "DeviceNotFound"
	CodeConnectTimeout   Code = "ConnectTimeout"
	CodeNotConnected     Code = "NotConnected"
	CodeInvalidRange     Code = "InvalidRange"
	CodeChannelClosed    Code = "ChannelClosed"
	CodeWriteTimeout     Code = "WriteTimeout"
	CodeTransportError   Code = "TransportError"
	CodeRateLimited      Code = "RateLimited"
)

// Error is a failure carrying a client-facing Code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Msg
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err. Errors that carry no code are reported
// as transport failures, since anything unclassified came from below the
// bridge boundary.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeTransportError
}

// State is the value of a status event. The first three are device
// connection states; the rest report the outcome of a single command.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"

	StateScanFailed      State = "scan_failed"
	StateWifiSent        State = "wifi_sent"
	StateWifiFailed      State = "wifi_failed"
	StateThresholdSent   State = "threshold_sent"
	StateThresholdFailed State = "threshold_failed"
	StateRejected        State = "rejected"
)

// NowTS returns the current UTC time as an RFC 3339 nano string, the
// timestamp format stamped on every event.
func NowTS() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
