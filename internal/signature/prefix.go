package signature

import (
	"strings"

	"github.com/ashureev/cardwire/internal/catalog"
)

// DerivePrefix computes the common tool-name prefix of a runtime-discovered
// family. The result is never empty and always ends in "_".
func DerivePrefix(pluginID string, toolNames []string) string {
	fallback := pluginID + "_"

	if len(toolNames) == 0 {
		return fallback
	}
	candidate := toolNames[0]
	for candidate != "" && !allHavePrefix(toolNames[1:], candidate) {
		candidate = candidate[:len(candidate)-1]
	}

	// Trim back to the last underscore. One at position 0 leaves no usable
	// prefix.
	idx := strings.LastIndex(candidate, "_")
	if idx <= 0 {
		return fallback
	}
	return candidate[:idx+1]
}

func allHavePrefix(names []string, prefix string) bool {
	for _, n := range names {
		if !strings.HasPrefix(n, prefix) {
			return false
		}
	}
	return true
}

// AutoSignatureID is the generated signature id of an auto-registered family.
// The "auto_" namespace keeps it apart from hand-authored signature ids.
func AutoSignatureID(family string) string {
	return "auto_" + family
}

// AutoRegister registers a family and a generic signature for a plugin that
// no known family owns. A hand-authored family of the same name is left
// untouched and its default signature returned.
func (r *Registry) AutoRegister(pluginID string, toolNames []string) Signature {
	if f, ok := r.Family(pluginID); ok {
		if sig, ok := r.Lookup(f.Name, f.DefaultSignature); ok && !sig.Auto {
			return sig
		}
	}

	prefix := DerivePrefix(pluginID, toolNames)
	actions := make([]string, 0, len(toolNames))
	for _, name := range toolNames {
		actions = append(actions, strings.TrimPrefix(name, prefix))
	}

	sig := Signature{
		ToolFamily:       pluginID,
		SignatureID:      AutoSignatureID(pluginID),
		TemplateID:       genericTemplateID,
		SupportedActions: actions,
		CoverageStatus:   CoveragePartial,
		Auto:             true,
	}
	r.RegisterFamily(Family{
		Name:             pluginID,
		Prefix:           prefix,
		DefaultSignature: sig.SignatureID,
	})
	r.Register(sig)

	r.logger.Info("[SIGNATURE] Auto-registered family",
		"family", pluginID,
		"prefix", prefix,
		"signature", sig.SignatureID,
		"tools", len(toolNames),
	)
	registered, _ := r.Lookup(sig.ToolFamily, sig.SignatureID)
	return registered
}

// AutoRegisterCatalog auto-registers every plugin that has at least one tool
// no known family owns, and returns the generated signatures.
func (r *Registry) AutoRegisterCatalog(cat catalog.Catalog) []Signature {
	var out []Signature
	for _, p := range cat.Plugins() {
		if len(p.Names) == 0 || r.ownsAll(p.Names) {
			continue
		}
		out = append(out, r.AutoRegister(p.ID, p.Names))
	}
	return out
}

func (r *Registry) ownsAll(names []string) bool {
	for _, n := range names {
		if _, ok := r.DetectByToolName(n); !ok {
			return false
		}
	}
	return true
}

// CoverageFor reports whether a signature's actions cover every tool of its
// family, given the catalog's tool names.
func (r *Registry) CoverageFor(sig Signature, toolNames []string) Coverage {
	f, ok := r.Family(sig.ToolFamily)
	if !ok {
		return CoveragePartial
	}
	for _, name := range toolNames {
		if !f.Owns(name) {
			continue
		}
		if !r.IsActionCovered(sig, f.ActionName(name)) {
			return CoveragePartial
		}
	}
	return CoverageCovered
}
