package signature

import (
	"encoding/json"
	"math"
	"sort"
)

// RowAliases are the collection field names searched, in order, when a
// signature does not declare its rows key.
var RowAliases = []string{"rows", "items", "files", "plugins", "predictions", "results", "entries", "records", "list"}

var totalAliases = []string{"total", "count", "totalCount", "total_count"}

// wrapperKeys hold nested payloads some tools return instead of a flat object.
var wrapperKeys = []string{"result", "data", "output"}

// Normalized is the canonical shape handed to templates.
type Normalized struct {
	Signature string         `json:"signature,omitempty"`
	RowsKey   string         `json:"rowsKey,omitempty"`
	Rows      []any          `json:"rows"`
	Total     int            `json:"total"`
	Fields    map[string]any `json:"fields"`
}

// Normalize reshapes raw JSON into the template shape of sig. It never fails
// and never mutates raw: missing fields degrade to empty collections.
func Normalize(sig Signature, raw any) Normalized {
	out := Normalized{
		Rows:   []any{},
		Fields: map[string]any{},
	}
	if sig.SignatureID != "" {
		out.Signature = sig.Key()
	}

	switch v := raw.(type) {
	case []any:
		out.Rows = cloneJSON(v).([]any)
	case map[string]any:
		obj, key, rows := findRows(v, sig.RowsKey, 0)
		if rows != nil {
			out.Rows = cloneJSON(rows).([]any)
			out.RowsKey = key
		}
		for k, val := range obj {
			if k == key && rows != nil {
				continue
			}
			out.Fields[k] = cloneJSON(val)
		}
	case nil:
	default:
		out.Fields["value"] = cloneJSON(v)
	}

	out.Total = len(out.Rows)
	keys := totalAliases
	if sig.TotalKey != "" {
		keys = append([]string{sig.TotalKey}, totalAliases...)
	}
	for _, k := range keys {
		if n, ok := toInt(out.Fields[k]); ok {
			out.Total = n
			break
		}
	}
	return out
}

// findRows locates the collection of obj, descending one level into a
// wrapper object when the top level has none. It returns the object the
// rows were found in.
func findRows(obj map[string]any, preferred string, depth int) (map[string]any, string, []any) {
	if preferred != "" {
		if rows, ok := obj[preferred].([]any); ok {
			return obj, preferred, rows
		}
	}
	for _, alias := range RowAliases {
		if rows, ok := obj[alias].([]any); ok {
			return obj, alias, rows
		}
	}
	if rows, ok := obj["data"].([]any); ok {
		return obj, "data", rows
	}
	if depth == 0 {
		for _, w := range wrapperKeys {
			inner, ok := obj[w].(map[string]any)
			if !ok {
				continue
			}
			if found, key, rows := findRows(inner, preferred, depth+1); rows != nil {
				return found, key, rows
			}
		}
		// Any remaining array-valued field, in key order for determinism.
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if rows, ok := obj[k].([]any); ok {
				return obj, k, rows
			}
		}
	}
	return obj, "", nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

func cloneJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneJSON(val)
		}
		return out
	default:
		return v
	}
}
