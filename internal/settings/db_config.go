package settings

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// dbConfigSnapshot holds the in-memory DB config values.
type dbConfigSnapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

var globalDBConfig atomic.Value // stores dbConfigSnapshot

func init() {
	globalDBConfig.Store(dbConfigSnapshot{values: map[string]json.RawMessage{}})
}

// StoreDBConfig replaces the in-memory snapshot of DB-backed settings.
func StoreDBConfig(updatedAt time.Time, values map[string]json.RawMessage) {
	next := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		next[key] = append(json.RawMessage(nil), v...)
	}
	globalDBConfig.Store(dbConfigSnapshot{updatedAt: updatedAt.UTC(), values: next})
}

// DBConfigUpdatedAt returns the last update timestamp for DB config.
func DBConfigUpdatedAt() time.Time {
	return loadDBConfig().updatedAt
}

// DBConfigValue returns a copy of the raw config value for a key.
func DBConfigValue(key string) (json.RawMessage, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	val, ok := loadDBConfig().values[key]
	if !ok || len(val) == 0 {
		return nil, false
	}
	return append(json.RawMessage(nil), val...), true
}

// Int returns the integer override for key.
func Int(key string) (int, bool) {
	raw, ok := DBConfigValue(key)
	if !ok {
		return 0, false
	}
	return ParseInt(raw)
}

// Float returns the numeric override for key.
func Float(key string) (float64, bool) {
	raw, ok := DBConfigValue(key)
	if !ok {
		return 0, false
	}
	return ParseFloat(raw)
}

// Bool returns the boolean override for key.
func Bool(key string) (bool, bool) {
	raw, ok := DBConfigValue(key)
	if !ok {
		return false, false
	}
	return ParseBool(raw)
}

// String returns the string override for key.
func String(key string) (string, bool) {
	raw, ok := DBConfigValue(key)
	if !ok {
		return "", false
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// ParseInt decodes an integer stored as a JSON number or numeric string.
func ParseInt(raw json.RawMessage) (int, bool) {
	f, ok := ParseFloat(raw)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// ParseFloat decodes a number stored as a JSON number or numeric string.
func ParseFloat(raw json.RawMessage) (float64, bool) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if errParse == nil && !math.IsNaN(parsed) && !math.IsInf(parsed, 0) {
			return parsed, true
		}
	}
	return 0, false
}

// ParseBool decodes a boolean stored as a JSON bool, number or string.
func ParseBool(raw json.RawMessage) (bool, bool) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return false, false
	}
	var b bool
	if errUnmarshal := json.Unmarshal(raw, &b); errUnmarshal == nil {
		return b, true
	}
	if n, ok := ParseFloat(raw); ok {
		return n != 0, true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.ParseBool(strings.TrimSpace(s))
		if errParse == nil {
			return parsed, true
		}
	}
	return false, false
}

func loadDBConfig() dbConfigSnapshot {
	cfg, ok := globalDBConfig.Load().(dbConfigSnapshot)
	if !ok || cfg.values == nil {
		return dbConfigSnapshot{updatedAt: cfg.updatedAt, values: map[string]json.RawMessage{}}
	}
	return cfg
}
