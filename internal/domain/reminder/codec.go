package reminder

import (
	"encoding/json"
	"fmt"
)

// JSON columns shared by the Postgres and SQLite stores.

func encodeJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case *Pattern:
		if t == nil {
			return nil, nil
		}
	case *EscalationRule:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func decodeJSONColumns(r *Reminder, details, pattern, escalation []byte) error {
	if len(details) > 0 {
		if err := json.Unmarshal(details, &r.Details); err != nil {
			return fmt.Errorf("decode details: %w", err)
		}
	}
	if len(pattern) > 0 {
		var p Pattern
		if err := json.Unmarshal(pattern, &p); err != nil {
			return fmt.Errorf("decode pattern: %w", err)
		}
		r.Pattern = &p
	}
	if len(escalation) > 0 {
		var e EscalationRule
		if err := json.Unmarshal(escalation, &e); err != nil {
			return fmt.Errorf("decode escalation: %w", err)
		}
		r.Escalation = &e
	}
	return nil
}

type jsonColumns struct {
	details, pattern, escalation []byte
}

func encodeJSONColumns(r *Reminder) (jsonColumns, error) {
	var (
		cols jsonColumns
		err  error
	)
	if cols.details, err = encodeJSON(r.Details); err != nil {
		return cols, err
	}
	if cols.pattern, err = encodeJSON(r.Pattern); err != nil {
		return cols, err
	}
	if cols.escalation, err = encodeJSON(r.Escalation); err != nil {
		return cols, err
	}
	return cols, nil
}
