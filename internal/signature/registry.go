package signature

import (
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
)

// Registry holds families, signatures, data hints and template sources.
// It is safe for concurrent use; construct one per process and inject it.
type Registry struct {
	mu          sync.RWMutex
	families    map[string]Family
	familyOrder []string
	signatures  map[string]Signature
	sigOrder    []string
	hints       []DataHint
	templates   map[string]string
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		families:   make(map[string]Family),
		signatures: make(map[string]Signature),
		templates:  make(map[string]string),
		logger:     logger,
	}
}

// Register inserts sig keyed by (ToolFamily, SignatureID). Re-registering
// overwrites the previous record.
func (r *Registry) Register(sig Signature) {
	if sig.TemplateID == "" {
		sig.TemplateID = sig.ToolFamily + "." + sig.SignatureID
	}
	if sig.CoverageStatus == "" {
		sig.CoverageStatus = CoverageCovered
	}
	sig.SupportedActions = slices.Clone(sig.SupportedActions)

	r.mu.Lock()
	defer r.mu.Unlock()
	key := sig.Key()
	if _, exists := r.signatures[key]; !exists {
		r.sigOrder = append(r.sigOrder, key)
	}
	r.signatures[key] = sig
}

// RegisterFamily inserts or replaces a family definition.
func (r *Registry) RegisterFamily(f Family) {
	if f.Prefix == "" {
		f.Prefix = f.Name + "_"
	}
	f.Tools = maps.Clone(f.Tools)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.families[f.Name]; !exists {
		r.familyOrder = append(r.familyOrder, f.Name)
	}
	r.families[f.Name] = f
}

// RegisterDataHint inserts or replaces the hint of a signature. Generic
// wrapper keys are dropped because every tool output carries them.
func (r *Registry) RegisterDataHint(family, signatureID string, requiredKeys []string) {
	keys := make([]string, 0, len(requiredKeys))
	for _, k := range requiredKeys {
		if isGenericKey(k) {
			r.logger.Debug("Dropping generic key from data hint",
				"family", family, "signature", signatureID, "key", k)
			continue
		}
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	hint := DataHint{ToolFamily: family, SignatureID: signatureID, RequiredKeys: keys}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.hints {
		if h.ToolFamily == family && h.SignatureID == signatureID {
			r.hints[i] = hint
			return
		}
	}
	r.hints = append(r.hints, hint)
}

// RegisterTemplate stores the presentation source for a template id.
func (r *Registry) RegisterTemplate(templateID, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[templateID] = code
}

// Lookup returns a registered signature.
func (r *Registry) Lookup(family, signatureID string) (Signature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signatures[family+"/"+signatureID]
	return sig, ok
}

// LookupMode resolves a card mode ("family/signature") to its signature.
func (r *Registry) LookupMode(cardMode string) (Signature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.signatures[cardMode]
	return sig, ok
}

// Family returns a registered family.
func (r *Registry) Family(name string) (Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[name]
	return f, ok
}

// Families returns all families in registration order.
func (r *Registry) Families() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Family, 0, len(r.familyOrder))
	for _, name := range r.familyOrder {
		out = append(out, r.families[name])
	}
	return out
}

// Signatures returns all signatures sorted by key.
func (r *Registry) Signatures() []Signature {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Signature, 0, len(r.signatures))
	for _, key := range r.sigOrder {
		out = append(out, r.signatures[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Hint returns the data hint of a signature.
func (r *Registry) Hint(family, signatureID string) (DataHint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.hints {
		if h.ToolFamily == family && h.SignatureID == signatureID {
			return h, true
		}
	}
	return DataHint{}, false
}

// IsActionCovered reports whether the signature's template handles action.
func (r *Registry) IsActionCovered(sig Signature, action string) bool {
	return slices.Contains(sig.SupportedActions, action)
}

// HintMatches reports whether data carries any key of the signature's hint.
// Signatures without a hint match nothing.
func (r *Registry) HintMatches(sig Signature, data any) bool {
	h, ok := r.Hint(sig.ToolFamily, sig.SignatureID)
	if !ok || len(h.RequiredKeys) == 0 {
		return false
	}
	return hintSatisfied(h.RequiredKeys, data)
}

// HintMismatch reports whether the signature has a hint that data does not
// satisfy. Name-based detection uses it to fall back to shape detection.
func (r *Registry) HintMismatch(sig Signature, data any) bool {
	h, ok := r.Hint(sig.ToolFamily, sig.SignatureID)
	if !ok || len(h.RequiredKeys) == 0 {
		return false
	}
	return !hintSatisfied(h.RequiredKeys, data)
}

// Len returns the number of registered signatures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.signatures)
}
