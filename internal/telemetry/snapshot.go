// Package telemetry models the sensor snapshots a device streams over its
// link. Every field is optional: devices omit sensors they lack, and the
// display helpers render anything missing as a placeholder.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Placeholder is shown in place of a missing reading.
const Placeholder = "--"

// Snapshot is one telemetry reading.
type Snapshot struct {
	Environment *Environment `json:"environment,omitempty"`
}

type Environment struct {
	BMP280 *BMP280 `json:"bmp280,omitempty"`
	Light  *Light  `json:"light,omitempty"`
}

type BMP280 struct {
	Temp     *float64 `json:"temp,omitempty"`
	Pressure *float64 `json:"pressure,omitempty"`
}

type Light struct {
	Percent *float64 `json:"percent,omitempty"`
}

// Parse decodes a snapshot. Fields of an unexpected type are treated as
// absent rather than failing the whole reading; only input that is not a
// JSON object is an error.
func Parse(raw []byte) (Snapshot, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if doc == nil {
		return Snapshot{}, fmt.Errorf("parse snapshot: not an object")
	}

	var s Snapshot
	env, ok := doc["environment"].(map[string]any)
	if !ok {
		return s, nil
	}
	s.Environment = &Environment{}
	if bmp, ok := env["bmp280"].(map[string]any); ok {
		s.Environment.BMP280 = &BMP280{
			Temp:     number(bmp["temp"]),
			Pressure: number(bmp["pressure"]),
		}
	}
	if light, ok := env["light"].(map[string]any); ok {
		s.Environment.Light = &Light{Percent: number(light["percent"])}
	}
	return s, nil
}

func number(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

// TempValue returns the BMP280 temperature, if present.
func (s Snapshot) TempValue() *float64 {
	if s.Environment == nil || s.Environment.BMP280 == nil {
		return nil
	}
	return s.Environment.BMP280.Temp
}

// PressureValue returns the BMP280 pressure, if present.
func (s Snapshot) PressureValue() *float64 {
	if s.Environment == nil || s.Environment.BMP280 == nil {
		return nil
	}
	return s.Environment.BMP280.Pressure
}

// LightValue returns the ambient light percentage, if present.
func (s Snapshot) LightValue() *float64 {
	if s.Environment == nil || s.Environment.Light == nil {
		return nil
	}
	return s.Environment.Light.Percent
}

func (s Snapshot) Temp() string     { return Format(s.TempValue()) }
func (s Snapshot) Pressure() string { return Format(s.PressureValue()) }
func (s Snapshot) Light() string    { return Format(s.LightValue()) }

// Format renders v as the device sent it, or Placeholder when nil.
func Format(v *float64) string {
	if v == nil {
		return Placeholder
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
