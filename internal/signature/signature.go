// Package signature classifies tool outputs into template families and
// normalizes their payloads into the shape a template expects.
//
// A family owns every tool whose name starts with the family prefix. Within
// a family, signatures name the template variants. Detection never fails:
// callers treat "not found" as "use the generic template".
package signature

import (
	"slices"
	"strings"
)

// Coverage describes how much of a family's action surface a template handles.
type Coverage string

const (
	CoverageCovered Coverage = "covered"
	CoveragePartial Coverage = "partial"
)

// Signature is a classification record for one template variant.
type Signature struct {
	ToolFamily       string   `json:"toolFamily" yaml:"family"`
	SignatureID      string   `json:"signatureId" yaml:"id"`
	TemplateID       string   `json:"templateId" yaml:"template"`
	SupportedActions []string `json:"supportedActions,omitempty" yaml:"actions,omitempty"`
	CoverageStatus   Coverage `json:"coverageStatus" yaml:"coverage,omitempty"`
	// RowsKey names the collection field a template iterates, when known.
	RowsKey string `json:"rowsKey,omitempty" yaml:"rows_key,omitempty"`
	// TotalKey names the summary count field, when known.
	TotalKey string `json:"totalKey,omitempty" yaml:"total_key,omitempty"`
	// Auto marks signatures generated for runtime-discovered families.
	Auto bool `json:"auto,omitempty" yaml:"-"`
}

// Key returns the registry key "family/signature".
func (s Signature) Key() string {
	return s.ToolFamily + "/" + s.SignatureID
}

// CardMode is the opaque value attached to cards rendered from this signature.
func (s Signature) CardMode() string {
	return s.Key()
}

// Family groups the signatures of one tool namespace.
type Family struct {
	Name   string `json:"name" yaml:"name"`
	Prefix string `json:"prefix" yaml:"prefix"`
	// DefaultSignature is returned when no tool suffix matches.
	DefaultSignature string `json:"defaultSignature" yaml:"default"`
	// Tools maps a tool-name suffix (after Prefix) to a signature id.
	Tools map[string]string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Owns reports whether the family prefix claims toolName.
func (f Family) Owns(toolName string) bool {
	return f.Prefix != "" && strings.HasPrefix(toolName, f.Prefix)
}

// ActionName strips the family prefix from a tool name.
func (f Family) ActionName(toolName string) string {
	return strings.TrimPrefix(toolName, f.Prefix)
}

// ToolName is the inverse of ActionName.
func (f Family) ToolName(action string) string {
	if f.Owns(action) {
		return action
	}
	return f.Prefix + action
}

// DataHint is the key fingerprint that confirms a payload belongs to a signature.
type DataHint struct {
	ToolFamily   string   `json:"toolFamily"`
	SignatureID  string   `json:"signatureId"`
	RequiredKeys []string `json:"requiredKeys"`
}

// GenericKeys are present on every tool output wrapper, so they never
// discriminate between signatures.
var GenericKeys = []string{"tool", "success", "error", "status", "ok"}

func isGenericKey(key string) bool {
	return slices.Contains(GenericKeys, key)
}

// hintSatisfied reports whether any key of the hint is present in data.
func hintSatisfied(keys []string, data any) bool {
	obj, ok := data.(map[string]any)
	if !ok {
		return false
	}
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}
