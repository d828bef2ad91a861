package etl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ── Value helpers ──────────────────────────────────────────

// canonicalText renders a scalar so that equal values from different
// drivers produce equal text: float64(1), int64(1) and "1" all become "1".
func canonicalText(v any) string {
	switch n := v.(type) {
	case nil:
		return Empty
	case string:
		return n
	case []byte:
		return string(n)
	case bool:
		return strconv.FormatBool(n)
	case int:
		return strconv.Itoa(n)
	case int8:
		return strconv.FormatInt(int64(n), 10)
	case int16:
		return strconv.FormatInt(int64(n), 10)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case uint:
		return strconv.FormatUint(uint64(n), 10)
	case uint8:
		return strconv.FormatUint(uint64(n), 10)
	case uint16:
		return strconv.FormatUint(uint64(n), 10)
	case uint32:
		return strconv.FormatUint(uint64(n), 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	case float32:
		return formatFloat(float64(n))
	case float64:
		return formatFloat(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339)
	case *time.Time:
		if n == nil {
			return Empty
		}
		return n.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toFloatSafe(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toFloat(v any) float64 {
	f, _ := toFloatSafe(v)
	return f
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		lower := strings.ToLower(b)
		return lower == "true" || lower == "yes" || lower == "1"
	default:
		f, ok := toFloatSafe(v)
		return ok && f != 0
	}
}

func compareValues(a, b any) int {
	fa, aOk := toFloatSafe(a)
	fb, bOk := toFloatSafe(b)
	if aOk && bOk {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(canonicalText(a), canonicalText(b))
}
