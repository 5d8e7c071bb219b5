package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is an opaque structured payload stored as jsonb. Command data,
// command results, metric data and alert details all pass through the relay
// verbatim; the relay never interprets the keys.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	return json.Unmarshal(data, m)
}

func (JSONMap) GormDataType() string {
	return "jsonb"
}
