package wallet

import (
	"bytes"
	"encoding/json"
)

// DecodeMetadata reads transaction metadata stored as JSON. Integral
// numbers come back as int64 and the rest as float64, so a transaction
// read from a store carries the same values the engine wrote.
func DecodeMetadata(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = normalizeNumber(v)
	}
	return m, nil
}

func normalizeNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeNumber(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalizeNumber(inner)
		}
		return t
	default:
		return v
	}
}
