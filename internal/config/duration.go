package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so config files can use human-readable
// strings like "5m" or "30s". Bare numbers are interpreted as nanoseconds
// for compatibility with marshaled output.
type Duration struct {
	time.Duration
}

// D is a convenience constructor for literal defaults.
func D(d time.Duration) Duration {
	return Duration{d}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}
