package signature

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogFile is the YAML form of additional families and signatures.
type CatalogFile struct {
	Families   []Family          `yaml:"families"`
	Signatures []Signature       `yaml:"signatures"`
	Hints      []CatalogHint     `yaml:"hints"`
	Templates  map[string]string `yaml:"templates"`
}

// CatalogHint is the YAML form of a data hint.
type CatalogHint struct {
	Family    string   `yaml:"family"`
	Signature string   `yaml:"signature"`
	Keys      []string `yaml:"keys"`
}

// ReadCatalog decodes a catalog document.
func ReadCatalog(r io.Reader) (*CatalogFile, error) {
	var cf CatalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		if errors.Is(err, io.EOF) {
			return &cf, nil
		}
		return nil, fmt.Errorf("decode signature catalog: %w", err)
	}
	if err := cf.Validate(); err != nil {
		return nil, err
	}
	return &cf, nil
}

// LoadCatalogFile reads a catalog document from disk.
func LoadCatalogFile(path string) (*CatalogFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open signature catalog: %w", err)
	}
	defer f.Close()
	return ReadCatalog(f)
}

// Validate checks that every signature and hint names a declared family.
func (cf *CatalogFile) Validate() error {
	families := make(map[string]bool, len(cf.Families))
	for _, f := range cf.Families {
		if f.Name == "" {
			return fmt.Errorf("signature catalog: family without name")
		}
		families[f.Name] = true
	}
	for _, s := range cf.Signatures {
		if s.SignatureID == "" {
			return fmt.Errorf("signature catalog: signature without id in family %q", s.ToolFamily)
		}
		if !families[s.ToolFamily] {
			return fmt.Errorf("signature catalog: signature %q names undeclared family %q", s.SignatureID, s.ToolFamily)
		}
	}
	for _, h := range cf.Hints {
		if !families[h.Family] {
			return fmt.Errorf("signature catalog: hint for %q names undeclared family %q", h.Signature, h.Family)
		}
	}
	return nil
}

// Apply registers the catalog contents. Entries overwrite built-ins with
// the same keys.
func (cf *CatalogFile) Apply(r *Registry) {
	for _, f := range cf.Families {
		r.RegisterFamily(f)
	}
	for _, s := range cf.Signatures {
		r.Register(s)
	}
	for _, h := range cf.Hints {
		r.RegisterDataHint(h.Family, h.Signature, h.Keys)
	}
	for id, code := range cf.Templates {
		r.RegisterTemplate(id, code)
	}
}
