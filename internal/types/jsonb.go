package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*Details)(nil)
	_ driver.Valuer = Details(nil)
)

// Details is an open, order-irrelevant JSON object stored verbatim for audit.
// Core logic never branches on its contents; typed status columns carry the
// state machine.
type Details map[string]any

// Clone returns a shallow copy so callers can add keys without mutating a
// value that may already be persisted or shared.
func (d Details) Clone() Details {
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a new Details containing d overlaid with other. Keys present
// in other win (last-write-wins per top-level field).
func (d Details) Merge(other Details) Details {
	out := d.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (d *Details) Scan(value any) error {
	if value == nil {
		*d = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	if len(data) == 0 {
		*d = nil
		return nil
	}
	return json.Unmarshal(data, d)
}

// Value implements the driver.Valuer interface. A nil map is stored as an
// empty object so the NOT NULL JSONB columns never receive SQL NULL.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(d))
}
