package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhagel/formic/schema"
)

// Values is a point-in-time mapping of field paths to current form
// values. The engine never mutates a snapshot it is handed; every pass
// works on its own copy.
type Values map[string]interface{}

// Clone returns a shallow copy of the snapshot.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for path, value := range v {
		out[path] = value
	}
	return out
}

// isEmptyValue reports whether a value counts as "no input". Only nil
// and the empty string qualify; zero and false are real values.
func isEmptyValue(value interface{}) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return s == ""
	}
	return false
}

// toFloat coerces a value to float64 when possible. String-encoded
// numbers are accepted; booleans map to 0/1.
func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// valueEquals compares two snapshot values. Numeric values compare by
// magnitude regardless of their concrete Go type, everything else by
// plain equality. Slices and maps compare structurally; a bare == on
// them would panic.
func valueEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	fa, aNum := numericValue(a)
	fb, bNum := numericValue(b)
	if aNum && bNum {
		return fa == fb
	}
	if aNum != bNum {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if !ta.Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

// numericValue is toFloat restricted to values that are actually
// numeric; strings never coerce here so "1" != 1 under equals.
func numericValue(value interface{}) (float64, bool) {
	switch value.(type) {
	case string, bool:
		return 0, false
	}
	return toFloat(value)
}

// ConvertValue coerces a raw input to the canonical representation for
// the field's widget. Callers feeding snapshots from untyped sources
// (JSON bodies, CSV imports) use this to normalise before evaluation.
func ConvertValue(widget schema.Widget, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch widget {
	case schema.WidgetNumber:
		f, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("expected number-compatible value, got %T", value)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("invalid float value %v", f)
		}
		return f, nil
	case schema.WidgetCurrency:
		return convertCurrencyValue(value)
	case schema.WidgetCheckbox:
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		default:
			return nil, fmt.Errorf("expected bool-compatible value, got %T", value)
		}
	case schema.WidgetDate, schema.WidgetDatetime:
		return convertDateValue(value)
	case schema.WidgetText, schema.WidgetSelect, schema.WidgetTime:
		switch v := value.(type) {
		case string:
			return v, nil
		default:
			return value, nil
		}
	default:
		return value, nil
	}
}

func convertCurrencyValue(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, fmt.Errorf("decimal pointer is nil")
		}
		return *v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, fmt.Errorf("invalid float value %v", v)
		}
		return decimal.RequireFromString(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case float32:
		return decimal.RequireFromString(strconv.FormatFloat(float64(v), 'f', -1, 32)), nil
	case string:
		dec, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse decimal from string: %w", err)
		}
		return dec, nil
	default:
		return decimal.Zero, fmt.Errorf("expected decimal-compatible value, got %T", value)
	}
}

func convertDateValue(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, fmt.Errorf("date string is empty")
		}
		layouts := []string{time.RFC3339, "2006-01-02", time.RFC3339Nano}
		for _, layout := range layouts {
			parsed, err := time.Parse(layout, v)
			if err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("parse date value %q: unsupported format", v)
	default:
		return time.Time{}, fmt.Errorf("expected date-compatible value, got %T", value)
	}
}
