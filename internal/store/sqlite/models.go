package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// millis converts a time to the unix-millisecond representation used by the
// schema.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullMillis converts an optional time.
func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

// timePtr converts an optional column back to an optional time.
func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// encodeHeaders serializes a header map; nil maps become "{}".
func encodeHeaders(headers map[string]string) (string, error) {
	if headers == nil {
		return "{}", nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("failed to encode headers: %w", err)
	}
	return string(data), nil
}

// decodeHeaders deserializes a header column.
func decodeHeaders(raw string) (map[string]string, error) {
	headers := make(map[string]string)
	if raw == "" {
		return headers, nil
	}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	return headers, nil
}

// encodeData serializes a process data map; nil maps become "{}".
func encodeData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode process data: %w", err)
	}
	return string(raw), nil
}

// decodeData deserializes a process data column.
func decodeData(raw string) (map[string]any, error) {
	data := make(map[string]any)
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode process data: %w", err)
	}
	return data, nil
}
