package parse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Models are loose with scalar types: line numbers arrive as "42" or 42.0,
// prose fields arrive as arrays of bullet points. The flex types absorb
// those variations instead of failing the whole envelope.

// flexInt accepts JSON numbers, numeric strings and null.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected number, got %s", data)
	}
	*f = flexInt(int(v))
	return nil
}

// flexFloat accepts JSON numbers, numeric strings and null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("expected number, got %s", data)
	}
	*f = flexFloat(v)
	return nil
}

// flexString accepts a string, an array (joined with newlines), or any
// scalar (rendered as text).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, strings.TrimSpace(fmt.Sprint(it)))
		}
		*f = flexString(strings.Join(parts, "\n"))
		return nil
	}
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.Trim(raw, `"`))
	return nil
}

func (f flexString) String() string { return string(f) }
