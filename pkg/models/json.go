package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a JSON object column.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// JSONList is a JSON array column.
type JSONList []interface{}

func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *JSONList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

// Clone returns a deep copy of m made through a JSON round trip, so
// nested maps and slices are not shared with the original.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(JSONMap, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out JSONMap
	_ = json.Unmarshal(b, &out)
	return out
}

// Clone returns a deep copy of l.
func (l JSONList) Clone() JSONList {
	if l == nil {
		return nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return append(JSONList(nil), l...)
	}
	var out JSONList
	_ = json.Unmarshal(b, &out)
	return out
}
