package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType is the tag of a bridge-to-client message.
type EventType string

const (
	EventScan   EventType = "scan"
	EventStatus EventType = "status"
	EventData   EventType = "data"
)

// Event is implemented by ScanResult, Status and Data only.
type Event interface {
	Type() EventType
	isEvent()
}

// ScanResult lists discovered device names in discovery order, without
// duplicates.
type ScanResult struct {
	Items []string `json:"items"`
	TS    string   `json:"ts,omitempty"`
}

// Status reports a device connection state or the outcome of a command.
type Status struct {
	State   State  `json:"state"`
	Device  string `json:"device,omitempty"`
	Error   Code   `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// Data carries one telemetry snapshot exactly as the device sent it.
type Data struct {
	Payload json.RawMessage `json:"payload"`
	TS      string          `json:"ts,omitempty"`
}

func (ScanResult) Type() EventType { return EventScan }
func (Status) Type() EventType     { return EventStatus }
func (Data) Type() EventType       { return EventData }

func (ScanResult) isEvent() {}
func (Status) isEvent()     {}
func (Data) isEvent()       {}

// NewScanResult stamps a scan event. A nil slice is sent as an empty list.
func NewScanResult(items []string) ScanResult {
	if items == nil {
		items = []string{}
	}
	return ScanResult{Items: items, TS: NowTS()}
}

// NewStatus stamps a status event for state.
func NewStatus(state State, device string) Status {
	return Status{State: state, Device: device, TS: NowTS()}
}

// Failure stamps a status event carrying err's Code and message.
func Failure(state State, device string, err error) Status {
	s := NewStatus(state, device)
	s.Error = CodeOf(err)
	s.Message = err.Error()
	return s
}

// NewData stamps a telemetry event.
func NewData(payload json.RawMessage) Data {
	return Data{Payload: payload, TS: NowTS()}
}

func (e ScanResult) MarshalJSON() ([]byte, error) {
	type alias ScanResult
	if e.Items == nil {
		e.Items = []string{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventScan, alias(e)})
}

func (e Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventStatus, alias(e)})
}

func (e Data) MarshalJSON() ([]byte, error) {
	type alias Data
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{EventData, alias(e)})
}

// DecodeEvent parses one event received by a client. Unknown tags and
// payloads of the wrong shape are errors; callers are expected to drop them.
func DecodeEvent(raw []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case EventScan:
		var e struct {
			Items *[]string `json:"items"`
			TS    string    `json:"ts"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode scan event: %w", err)
		}
		if e.Items == nil {
			return nil, fmt.Errorf("decode scan event: missing items")
		}
		return ScanResult{Items: *e.Items, TS: e.TS}, nil

	case EventStatus:
		var e Status
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode status event: %w", err)
		}
		if e.State == "" {
			return nil, fmt.Errorf("decode status event: missing state")
		}
		return e, nil

	case EventData:
		var e Data
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode data event: %w", err)
		}
		if !IsObject(e.Payload) {
			return nil, fmt.Errorf("decode data event: payload is not an object")
		}
		return e, nil

	default:
		return nil, fmt.Errorf("decode event: unknown type %q", head.Type)
	}
}

// IsObject reports whether raw holds a single JSON object.
func IsObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Valid(raw)
}
