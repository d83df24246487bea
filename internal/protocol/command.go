package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CommandType is the tag of a client-to-bridge message.
type CommandType string

const (
	CmdScan      CommandType = "scan"
	CmdConnect   CommandType = "connect"
	CmdWifi      CommandType = "wifi"
	CmdThreshold CommandType = "threshold"
)

// Command is implemented by Scan, Connect, Wifi and Threshold only.
type Command interface {
	Type() CommandType
	isCommand()
}

// Scan asks the bridge to run a device discovery.
type Scan struct{}

// Connect asks the bridge to link to the named device. An empty Name means
// the bridge's configured default device.
type Connect struct {
	Name string `json:"name,omitempty"`
}

// Wifi carries network credentials to forward to the connected device.
type Wifi struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// Threshold carries temperature alarm bounds for the connected device.
type Threshold struct {
	TempHigh float64 `json:"temp_high"`
	TempLow  float64 `json:"temp_low"`

	// set by DecodeCommand when either bound was not a JSON number
	nonNumeric bool
}

func (Scan) Type() CommandType      { return CmdScan }
func (Connect) Type() CommandType   { return CmdConnect }
func (Wifi) Type() CommandType      { return CmdWifi }
func (Threshold) Type() CommandType { return CmdThreshold }

func (Scan) isCommand()      {}
func (Connect) isCommand()   {}
func (Wifi) isCommand()      {}
func (Threshold) isCommand() {}

func (c Scan) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type CommandType `json:"type"`
	}{CmdScan})
}

func (c Connect) MarshalJSON() ([]byte, error) {
	type alias Connect
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		alias
	}{CmdConnect, alias(c)})
}

func (c Wifi) MarshalJSON() ([]byte, error) {
	type alias Wifi
	return json.Marshal(struct {
		Type CommandType `json:"type"`
		alias
	}{CmdWifi, alias(c)})
}

func (c Threshold) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     CommandType `json:"type"`
		TempHigh float64     `json:"temp_high"`
		TempLow  float64     `json:"temp_low"`
	}{CmdThreshold, c.TempHigh, c.TempLow})
}

// Validate checks that both bounds are numbers and that TempLow does not
// exceed TempHigh.
func (c Threshold) Validate() error {
	if c.nonNumeric {
		return Errorf(CodeInvalidRange, "temp_high and temp_low must be numbers")
	}
	if c.TempLow > c.TempHigh {
		return Errorf(CodeInvalidRange, "temp_low %g is above temp_high %g", c.TempLow, c.TempHigh)
	}
	return nil
}

// DevicePayload is the message forwarded to the device for a command that
// targets it. Scan and Connect never reach the device and return nil.
func DevicePayload(c Command) ([]byte, error) {
	switch c.(type) {
	case Wifi, Threshold:
		return json.Marshal(c)
	default:
		return nil, nil
	}
}

//go:embed command.schema.json
var commandSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func commandSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("command.schema.json", bytes.NewReader(commandSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add command schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("command.schema.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile command schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// DecodeCommand validates raw against the command schema and decodes it into
// its variant. Any failure, including an unknown tag, is an *Error with
// CodeMalformedMessage.
func DecodeCommand(raw []byte) (Command, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, Errorf(CodeMalformedMessage, "invalid JSON: %v", err)
	}

	sch, err := commandSchema()
	if err != nil {
		return nil, Errorf(CodeMalformedMessage, "%v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, Errorf(CodeMalformedMessage, "schema: %v", err)
	}

	var head struct {
		Type CommandType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, Errorf(CodeMalformedMessage, "%v", err)
	}

	switch head.Type {
	case CmdScan:
		return Scan{}, nil

	case CmdConnect:
		var c Connect
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, Errorf(CodeMalformedMessage, "connect: %v", err)
		}
		return c, nil

	case CmdWifi:
		var c Wifi
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, Errorf(CodeMalformedMessage, "wifi: %v", err)
		}
		return c, nil

	case CmdThreshold:
		// Bounds of the wrong type are a range problem rather than a
		// malformed message, so they are decoded loosely here.
		var loose struct {
			TempHigh any `json:"temp_high"`
			TempLow  any `json:"temp_low"`
		}
		if err := json.Unmarshal(raw, &loose); err != nil {
			return nil, Errorf(CodeMalformedMessage, "threshold: %v", err)
		}
		high, okHigh := loose.TempHigh.(float64)
		low, okLow := loose.TempLow.(float64)
		return Threshold{TempHigh: high, TempLow: low, nonNumeric: !okHigh || !okLow}, nil

	default:
		return nil, Errorf(CodeMalformedMessage, "unknown command type %q", head.Type)
	}
}
