package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// String returns the attribute as a string, or "" when absent.
func String(item Item, attr string) string {
	switch v := item[attr].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the attribute as an int64. Backends that round-trip through JSON
// hand back json.Number or float64, both are accepted.
func Int64(item Item, attr string) (int64, bool) {
	switch v := item[attr].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// TimeLayout is fixed width so stored timestamps sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Time returns a timestamp attribute as a time.
func Time(item Item, attr string) (time.Time, bool) {
	switch v := item[attr].(type) {
	case time.Time:
		return v, true
	case string:
		if v == "" {
			return time.Time{}, false
		}
		t, err := time.Parse(TimeLayout, v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// FormatTime renders a timestamp the way every backend stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Expired reports whether the item's TTL attribute is at or before now.
// Items without a TTL never expire.
func Expired(table Table, item Item, now time.Time) bool {
	if table.TTLAttr == "" {
		return false
	}
	ttl, ok := Int64(item, table.TTLAttr)
	if !ok || ttl <= 0 {
		return false
	}
	return ttl <= now.Unix()
}

// Clone returns a shallow copy so callers cannot mutate stored state.
func Clone(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
