package payload

import (
	"strconv"
	"strings"
)

// StringField reads key from obj as trimmed text. Numbers are formatted.
func StringField(obj Value, key string) string {
	f := obj.Field(key)
	switch f.kind {
	case KindString:
		return strings.TrimSpace(f.s)
	case KindNumber:
		return f.n.String()
	}
	return ""
}

// IntField reads key from obj as an integer, returning def when absent or
// not numeric.
func IntField(obj Value, key string, def int64) int64 {
	if n, ok := obj.Field(key).AsInt64(); ok {
		return n
	}
	return def
}

// TruthyField treats true, 1 and "1"/"true" as true.
func TruthyField(obj Value, key string) bool {
	f := obj.Field(key)
	switch f.kind {
	case KindBool:
		return f.b
	case KindNumber:
		n, ok := f.AsInt64()
		return ok && n == 1
	case KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(f.s))
		return err == nil && b
	}
	return false
}

// FirstString returns the first non-empty string among keys.
func FirstString(obj Value, keys ...string) string {
	for _, k := range keys {
		if s := StringField(obj, k); s != "" {
			return s
		}
	}
	return ""
}
