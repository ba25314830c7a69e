package engine

import "strings"

// ReplaceID walks a decoded JSON value and substitutes every occurrence of
// the old application id inside string leaves, including strings embedded in
// URIs. Non-string leaves are left untouched.
func ReplaceID(v any, oldID, newID string) any {
	if oldID == "" || oldID == newID {
		return v
	}
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, oldID, newID)
	case map[string]any:
		for k, item := range val {
			val[k] = ReplaceID(item, oldID, newID)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = ReplaceID(item, oldID, newID)
		}
		return val
	default:
		return v
	}
}
