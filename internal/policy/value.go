package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Value is a scalar field value on the wire. Clients may send a JSON string
// or number; it is always written back as a string so decimals never pass
// through float64.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*v = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("value must be a string or number")
	}
	*v = Value(n.String())
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(v))
}

func (v Value) String() string { return string(v) }
