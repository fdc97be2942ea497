package credentials

import (
	"encoding/json"
	"fmt"
)

// EncodeMetadataValue converts an arbitrary value to its stored string form.
// Strings pass through unchanged; everything else is JSON-serialized.
func EncodeMetadataValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding metadata value: %w", err)
	}
	return string(data), nil
}

// DecodeMetadataValue parses a stored metadata value into out. Intended for
// values written through EncodeMetadataValue with a non-string type.
func DecodeMetadataValue(s string, out any) error {
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("decoding metadata value: %w", err)
	}
	return nil
}
