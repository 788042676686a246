package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions for the JSONB column types.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*PlanFeatures)(nil)
	_ driver.Valuer = PlanFeatures{}
	_ sql.Scanner   = (*PaymentMetadata)(nil)
	_ driver.Valuer = PaymentMetadata{}
	_ sql.Scanner   = (*ReportPayload)(nil)
	_ driver.Valuer = ReportPayload{}
)

// scanJSONB scans a JSONB database value into a Go pointer. It handles nil
// values and both []byte and string representations.
func scanJSONB(dest any, value any) error {
	if value == nil {
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
		return nil
	}
	return json.Unmarshal(data, dest)
}

// Scan implements sql.Scanner.
func (f *PlanFeatures) Scan(value any) error {
	*f = PlanFeatures{}
	return scanJSONB(f, value)
}

// Value implements driver.Valuer.
func (f PlanFeatures) Value() (driver.Value, error) {
	return json.Marshal(f)
}

// Scan implements sql.Scanner.
func (m *PaymentMetadata) Scan(value any) error {
	*m = PaymentMetadata{}
	return scanJSONB(m, value)
}

// Value implements driver.Valuer.
func (m PaymentMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (p *ReportPayload) Scan(value any) error {
	*p = ReportPayload{}
	return scanJSONB(p, value)
}

// Value implements driver.Valuer.
func (p ReportPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}
