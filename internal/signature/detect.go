package signature

import "strings"

// ShapePredicate is one typed structural test over a decoded JSON payload.
type ShapePredicate struct {
	Name        string                        `json:"name"`
	ToolFamily  string                        `json:"toolFamily"`
	SignatureID string                        `json:"signatureId"`
	Match       func(obj map[string]any) bool `json:"-"`
}

// shapePredicates are evaluated in this order; the first match wins.
// Registered data hints are consulted only after all of them fail.
var shapePredicates = []ShapePredicate{
	{
		Name:        "files of {name,type}",
		ToolFamily:  "filesystem",
		SignatureID: "directory_listing",
		Match: func(obj map[string]any) bool {
			return everyItemHas(obj, "files", []string{"name"}, []string{"type"})
		},
	},
	{
		Name:        "predictions of {symbol,score|rank}",
		ToolFamily:  "alpharank",
		SignatureID: "ranked_predictions_table",
		Match: func(obj map[string]any) bool {
			return everyItemHas(obj, "predictions", []string{"symbol", "ticker"}, []string{"score", "rank"})
		},
	},
	{
		Name:        "plugins of {id|pluginId,names}",
		ToolFamily:  "toolcatalog",
		SignatureID: "plugin_list",
		Match: func(obj map[string]any) bool {
			return everyItemHas(obj, "plugins", []string{"id", "pluginId"}, []string{"names"})
		},
	},
	{
		Name:        "regime snapshot",
		ToolFamily:  "alpharank",
		SignatureID: "market_regime_snapshot",
		Match: func(obj map[string]any) bool {
			switch obj["regime"].(type) {
			case string, map[string]any:
				return true
			}
			return false
		},
	},
}

// ShapePredicates returns the structural predicates in evaluation order.
func ShapePredicates() []ShapePredicate {
	out := make([]ShapePredicate, len(shapePredicates))
	copy(out, shapePredicates)
	return out
}

// everyItemHas reports whether obj[key] is a non-empty array whose items are
// all objects carrying at least one key of every group.
func everyItemHas(obj map[string]any, key string, groups ...[]string) bool {
	items, ok := obj[key].([]any)
	if !ok || len(items) == 0 {
		return false
	}
	for _, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			return false
		}
		for _, group := range groups {
			if !hasAny(row, group) {
				return false
			}
		}
	}
	return true
}

func hasAny(obj map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// DetectByToolName classifies a tool by name. The family with the longest
// owning prefix wins; inside it, an exact suffix mapping beats the longest
// suffix-prefix mapping, which beats the family default.
func (r *Registry) DetectByToolName(name string) (Signature, bool) {
	if name == "" {
		return Signature{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Family
	found := false
	for _, fname := range r.familyOrder {
		f := r.families[fname]
		if f.Owns(name) && (!found || len(f.Prefix) > len(best.Prefix)) {
			best = f
			found = true
		}
	}
	if !found {
		return Signature{}, false
	}

	suffix := best.ActionName(name)
	sigID, ok := best.Tools[suffix]
	if !ok {
		matched := -1
		for toolSuffix, id := range best.Tools {
			if toolSuffix != "" && strings.HasPrefix(suffix, toolSuffix) && len(toolSuffix) > matched {
				sigID = id
				matched = len(toolSuffix)
			}
		}
	}
	if sigID == "" {
		sigID = best.DefaultSignature
	}
	sig, ok := r.signatures[best.Name+"/"+sigID]
	return sig, ok
}

// DetectByDataShape classifies a payload when no tool name is available.
// This is a heuristic fallback, not exhaustive classification.
func (r *Registry) DetectByDataShape(data any) (Signature, bool) {
	obj, ok := data.(map[string]any)
	if !ok {
		return Signature{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range shapePredicates {
		if !p.Match(obj) {
			continue
		}
		if sig, ok := r.signatures[p.ToolFamily+"/"+p.SignatureID]; ok {
			return sig, true
		}
	}
	for _, h := range r.hints {
		if len(h.RequiredKeys) == 0 || !hintSatisfied(h.RequiredKeys, obj) {
			continue
		}
		if sig, ok := r.signatures[h.ToolFamily+"/"+h.SignatureID]; ok {
			return sig, true
		}
	}
	return Signature{}, false
}

// Detect combines both strategies: name first, then shape when the name is
// unknown or its signature's hint contradicts the payload.
func (r *Registry) Detect(toolName string, data any) (Signature, bool) {
	if sig, ok := r.DetectByToolName(toolName); ok {
		if !r.HintMismatch(sig, data) {
			return sig, true
		}
		if shaped, ok := r.DetectByDataShape(data); ok {
			return shaped, true
		}
		return sig, true
	}
	return r.DetectByDataShape(data)
}
