package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IsEmpty reports whether v counts as empty for rule evaluation: nil, a
// blank string, or an empty list or map.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer:
		return rv.IsNil()
	}
	return false
}

// ToString renders scalars as strings. Lists and maps are rejected.
func ToString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t), true
	}
	return "", false
}

// ToFloat coerces numbers and numeric strings.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		if math.IsNaN(t) {
			return 0, false
		}
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// IsNumber reports whether v is a Go numeric type (numeric strings excluded).
func IsNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// ToList converts any slice or array to []any.
func ToList(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// []byte is a scalar for our purposes.
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

var relativeInstant = regexp.MustCompile(`^now\s*([+-])\s*(\d+)\s*([smhdw])$`)

var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseInstant coerces a date operand. Accepted: time.Time, RFC3339 and
// plain date strings, unix seconds, "now", "today" and offsets such as
// "now-30d" or "now+12h" resolved against now.
func ParseInstant(v any, now time.Time) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return t, nil
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, fmt.Errorf("zero time")
		}
		return *t, nil
	case string:
		return parseInstantString(strings.TrimSpace(t), now)
	}

	if IsNumber(v) {
		f, _ := ToFloat(v)
		return unixSeconds(f), nil
	}
	return time.Time{}, fmt.Errorf("unsupported date operand of type %T", v)
}

func parseInstantString(s string, now time.Time) (time.Time, error) {
	lower := strings.ToLower(s)
	switch lower {
	case "":
		return time.Time{}, fmt.Errorf("empty date operand")
	case "now":
		return now, nil
	case "today":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	}

	if m := relativeInstant.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return time.Time{}, err
		}
		unit := map[string]time.Duration{
			"s": time.Second,
			"m": time.Minute,
			"h": time.Hour,
			"d": 24 * time.Hour,
			"w": 7 * 24 * time.Hour,
		}[m[3]]
		offset := time.Duration(n) * unit
		if m[1] == "-" {
			offset = -offset
		}
		return now.Add(offset), nil
	}

	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return unixSeconds(f), nil
	}

	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func unixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
