package client

import (
	"bytes"
	"encoding/json"
	"slices"
	"sync"

	"github.com/large-farva/sentinel-bridge/internal/protocol"
	"github.com/large-farva/sentinel-bridge/internal/telemetry"
)

// Display is what a UI shows: the channel state, the latest device status
// and the last telemetry readings. Missing readings hold the placeholder.
type Display struct {
	Channel ChannelState `json:"channel"`
	// ChannelError is ChannelClosed once an open channel has dropped, until
	// the next one opens.
	ChannelError protocol.Code `json:"channel_error,omitempty"`

	Status  protocol.State `json:"status,omitempty"`
	Device  string         `json:"device,omitempty"`
	Error   protocol.Code  `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`

	Devices []string `json:"devices"`

	Temp     string `json:"temp"`
	Pressure string `json:"pressure"`
	Light    string `json:"light"`
	Raw      string `json:"raw,omitempty"`

	Applied int `json:"applied"`
}

// StatusLine is the one-line device status a UI shows.
func (d Display) StatusLine() string {
	if d.Status == "" {
		return "BLE: " + telemetry.Placeholder
	}
	line := "BLE: " + string(d.Status)
	if d.Device != "" {
		line += " (" + d.Device + ")"
	}
	if d.Error != "" {
		line += " [" + string(d.Error) + "]"
	}
	return line
}

// View holds a Display and applies events to it. It is safe for concurrent
// use.
type View struct {
	mu sync.Mutex
	d  Display
}

// NewView returns a view with every reading at the placeholder.
func NewView() *View {
	return &View{d: Display{
		Channel:  StateClosed,
		Devices:  []string{},
		Temp:     telemetry.Placeholder,
		Pressure: telemetry.Placeholder,
		Light:    telemetry.Placeholder,
	}}
}

// Apply updates the display for one event.
func (v *View) Apply(ev protocol.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch e := ev.(type) {
	case protocol.ScanResult:
		if e.Items == nil {
			return
		}
		v.d.Devices = slices.Clone(e.Items)
	case protocol.Status:
		v.d.Status = e.State
		v.d.Device = e.Device
		v.d.Error = e.Error
		v.d.Message = e.Message
	case protocol.Data:
		snap, err := telemetry.Parse(e.Payload)
		if err != nil {
			return
		}
		v.d.Temp = snap.Temp()
		v.d.Pressure = snap.Pressure()
		v.d.Light = snap.Light()
		var pretty bytes.Buffer
		if json.Indent(&pretty, e.Payload, "", "  ") == nil {
			v.d.Raw = pretty.String()
		}
	default:
		return
	}
	v.d.Applied++
}

func (v *View) setChannel(s ChannelState) {
	v.mu.Lock()
	v.d.Channel = s
	if s == StateOpen {
		v.d.ChannelError = ""
	}
	v.mu.Unlock()
}

func (v *View) channelDropped() {
	v.mu.Lock()
	v.d.ChannelError = protocol.CodeChannelClosed
	v.mu.Unlock()
}

// Snapshot returns a copy of the current display.
func (v *View) Snapshot() Display {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.d
	d.Devices = slices.Clone(v.d.Devices)
	return d
}
