// Package settings provides a centralized helper for reading and writing
// grouped configuration values stored in the app_settings PocketBase collection.
//
// Each row in app_settings represents one "group" identified by (module, key),
// e.g. ("cli", "ssh") or ("transfer", "server").  The value column holds a
// JSON blob containing all fields for that group.
//
// Design rules:
//   - GetGroup ALWAYS returns a non-nil map.  On any error (row missing, DB
//     failure, unmarshal error) it returns (fallback, err).  Callers that use
//     v, _ := GetGroup(...)
//     are therefore safe; they get the fallback map and can immediately read
//     typed values from it.
//   - SetGroup upserts a row: find-then-update or create-then-save.
//   - Int / String / Bool / Duration are typed field readers that operate on
//     an already-loaded group map and never panic.
package settings

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

// GetGroup loads the settings group identified by (module, key) from
// app_settings. On any error it returns (fallback, err), so
// v, _ := GetGroup(...) is always usable.
func GetGroup(app core.App, module, key string, fallback map[string]any) (map[string]any, error) {
	record, err := findRow(app, module, key)
	if err != nil {
		return fallback, fmt.Errorf("settings.GetGroup(%s/%s): %w", module, key, err)
	}
	group, err := decodeGroup(record.Get("value"))
	if err != nil {
		return fallback, fmt.Errorf("settings.GetGroup(%s/%s): %w", module, key, err)
	}
	if group == nil {
		return fallback, nil
	}
	return group, nil
}

// SetGroup upserts the settings group identified by (module, key). Saving
// goes through app.Save, so record hooks on app_settings fire.
func SetGroup(app core.App, module, key string, value map[string]any) error {
	record, err := findRow(app, module, key)
	if err != nil {
		collection, colErr := app.FindCollectionByNameOrId("app_settings")
		if colErr != nil {
			return fmt.Errorf("settings.SetGroup(%s/%s): find collection: %w", module, key, colErr)
		}
		record = core.NewRecord(collection)
		record.Set("module", module)
		record.Set("key", key)
	}

	record.Set("value", value)
	if err := app.Save(record); err != nil {
		return fmt.Errorf("settings.SetGroup(%s/%s): save: %w", module, key, err)
	}
	return nil
}

func findRow(app core.App, module, key string) (*core.Record, error) {
	return app.FindFirstRecordByFilter(
		"app_settings",
		"module = {:module} && key = {:key}",
		dbx.Params{"module": module, "key": key},
	)
}

// decodeGroup normalises the JSON field value. PocketBase hands it back as
// raw JSON bytes (types.JSONRaw) or, for unsaved records, as the Go value
// that was set.
func decodeGroup(raw any) (map[string]any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("value is nil")
	case []byte:
		data = v
	case string:
		data = []byte(v)
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("marshal raw value: %w", err)
		}
	}
	var group map[string]any
	if err := json.Unmarshal(data, &group); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return group, nil
}

// Int reads an integer field from an already-loaded group map.
//
// It handles float64 (JSON number default), int, int64, json.Number, and
// string numeric representations.  Returns fallback when the field is absent
// or unreadable.
func Int(group map[string]any, field string, fallback int) int {
	v, ok := group[field]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return fallback
		}
		return int(i)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return fallback
		}
		return i
	}
	return fallback
}

// String reads a string field from an already-loaded group map.
// Returns fallback when the field is absent or not a string.
func String(group map[string]any, field string, fallback string) string {
	v, ok := group[field]
	if !ok || v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	return s
}

// Bool reads a boolean field from an already-loaded group map.
// "true"/"false" strings and numbers (non-zero is true) are accepted.
func Bool(group map[string]any, field string, fallback bool) bool {
	v, ok := group[field]
	if !ok || v == nil {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return fallback
		}
		return parsed
	}
	return fallback
}

// Duration reads a numeric field expressed in unit, e.g. a "...Ms" field with
// unit time.Millisecond. Negative values and unreadable fields yield fallback.
func Duration(group map[string]any, field string, unit, fallback time.Duration) time.Duration {
	n := Int(group, field, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * unit
}

// StringSlice reads a string-array field from a loaded group map.
//
// Supported underlying shapes:
//   - []string
//   - []any (JSON-decoded arrays)
//   - comma-separated string (legacy/manual edits)
//
// Values are trimmed and empty entries are removed.
func StringSlice(group map[string]any, field string) []string {
	v, ok := group[field]
	if !ok || v == nil {
		return []string{}
	}
	switch raw := v.(type) {
	case []string:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			item = strings.TrimSpace(item)
			if item != "" {
				out = append(out, item)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, item := range parts {
			item = strings.TrimSpace(item)
			if item != "" {
				out = append(out, item)
			}
		}
		return out
	default:
		return []string{}
	}
}
