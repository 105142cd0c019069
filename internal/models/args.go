package models

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// RetryCountKey is the argument carrying how many times a task was retried.
const RetryCountKey = "retryCount"

// Args is the structured argument bag passed to a task.
type Args map[string]any

// RetryCount returns args.retryCount, or 0 when absent or not numeric.
func (a Args) RetryCount() int {
	n, _ := asInt(a[RetryCountKey])
	if n < 0 {
		return 0
	}
	return n
}

// Clone returns a shallow copy that is never nil.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// WithRetryCount returns a copy of a with retryCount set to n.
func (a Args) WithRetryCount(n int) Args {
	out := a.Clone()
	out[RetryCountKey] = n
	return out
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// ParsePendingArgs decodes the "key:value,key:value" form stored on a
// definition. Values "true"/"false" become booleans and numeric values
// become int64 or float64; everything else stays a string. Pairs with an
// empty key are dropped; a pair without a colon yields an empty string.
func ParsePendingArgs(s string) Args {
	out := Args{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = coerce(strings.TrimSpace(value))
	}
	return out
}

func coerce(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// EncodePendingArgs is the inverse of ParsePendingArgs for flat values.
// Keys are sorted so the encoding is stable.
func EncodePendingArgs(a Args) string {
	if len(a) == 0 {
		return ""
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch t := a[k].(type) {
		case string:
			v = t
		case bool:
			v = strconv.FormatBool(t)
		case int:
			v = strconv.Itoa(t)
		case int64:
			v = strconv.FormatInt(t, 10)
		case float64:
			v = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			b, _ := json.Marshal(t)
			v = string(b)
		}
		parts = append(parts, k+":"+v)
	}
	return strings.Join(parts, ",")
}
