package stu3

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Bundle is an ordered collection of resources downloaded together.
// References between entries resolve only within the same bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type,omitempty"` // document | collection | ...
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one resource of a bundle.
type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource,omitempty"`
}

// NewBundle creates an empty bundle of the given type.
func NewBundle(bundleType string) *Bundle {
	return &Bundle{ResourceType: TypeBundle, Type: bundleType}
}

// Add appends a resource under the given full URL.
func (b *Bundle) Add(fullURL string, res Resource) {
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: res})
}

// UnmarshalJSON decodes the entry, picking the concrete resource type from resourceType.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.FullURL = raw.FullURL
	if len(raw.Resource) == 0 {
		return nil
	}
	res, err := DecodeResource(raw.Resource)
	if err != nil {
		return fmt.Errorf("entry %s: %w", raw.FullURL, err)
	}
	e.Resource = res
	return nil
}

// DecodeResource decodes a single resource document.
func DecodeResource(data []byte) (Resource, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("read resourceType: %w", err)
	}

	var res Resource
	switch head.ResourceType {
	case TypeComposition:
		res = &Composition{}
	case TypeEncounter:
		res = &Encounter{}
	case TypeObservation:
		res = &Observation{}
	case TypeProcedureRequest:
		res = &ProcedureRequest{}
	case TypeProvenance:
		res = &Provenance{}
	case TypeDiagnosticReport:
		res = &DiagnosticReport{}
	case TypePatient:
		res = &Patient{}
	case "":
		return nil, fmt.Errorf("missing resourceType")
	default:
		res = &Unknown{}
	}

	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.ResourceType, err)
	}
	return res, nil
}

// ParseBundle decodes a bundle document.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != TypeBundle {
		return nil, fmt.Errorf("expected Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// Resources returns the entry resources in bundle order.
func (b *Bundle) Resources() []Resource {
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Composition returns the document header, or nil.
func (b *Bundle) Composition() *Composition {
	for _, e := range b.Entry {
		if c, ok := e.Resource.(*Composition); ok {
			return c
		}
	}
	return nil
}

// Encounter returns the encounter the composition points at, falling back
// to the first Encounter entry.
func (b *Bundle) Encounter() *Encounter {
	if c := b.Composition(); c != nil && c.Encounter != nil {
		if enc, ok := b.FindByReference(c.Encounter.Reference).(*Encounter); ok {
			return enc
		}
	}
	for _, e := range b.Entry {
		if enc, ok := e.Resource.(*Encounter); ok {
			return enc
		}
	}
	return nil
}

// Provenances returns all provenance entries.
func (b *Bundle) Provenances() []*Provenance {
	var out []*Provenance
	for _, e := range b.Entry {
		if p, ok := e.Resource.(*Provenance); ok {
			out = append(out, p)
		}
	}
	return out
}

// FindByReference resolves a reference string to an entry of this bundle.
// It matches the entry full URL, "Type/id", or a urn:uuid whose id equals the resource id.
func (b *Bundle) FindByReference(ref string) Resource {
	if ref == "" {
		return nil
	}
	for _, e := range b.Entry {
		if e.Resource == nil {
			continue
		}
		if e.FullURL == ref {
			return e.Resource
		}
		id := e.Resource.GetID()
		if id == "" {
			continue
		}
		if ref == e.Resource.GetResourceType()+"/"+id {
			return e.Resource
		}
		if strings.HasPrefix(ref, "urn:uuid:") && IDPart(ref) == id {
			return e.Resource
		}
	}
	return nil
}

// RefOf returns the reference string other entries use for res: its full
// URL when present, else "Type/id".
func (b *Bundle) RefOf(res Resource) string {
	for _, e := range b.Entry {
		if e.Resource == res && e.FullURL != "" {
			return e.FullURL
		}
	}
	return res.GetResourceType() + "/" + res.GetID()
}

// Confidentiality is the ordered document confidentiality level.
type Confidentiality int

const (
	ConfidentialityUnrestricted Confidentiality = iota
	ConfidentialityLow
	ConfidentialityModerate
	ConfidentialityNormal
	ConfidentialityRestricted
	ConfidentialityVeryRestricted
)

var confidentialityCodes = map[string]Confidentiality{
	"U": ConfidentialityUnrestricted,
	"L": ConfidentialityLow,
	"M": ConfidentialityModerate,
	"N": ConfidentialityNormal,
	"R": ConfidentialityRestricted,
	"V": ConfidentialityVeryRestricted,
}

// ParseConfidentiality maps a v3 confidentiality code to its level.
func ParseConfidentiality(code string) (Confidentiality, bool) {
	c, ok := confidentialityCodes[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}

// String returns the v3 code.
func (c Confidentiality) String() string {
	for code, level := range confidentialityCodes {
		if level == c {
			return code
		}
	}
	return "?"
}

// Confidentiality returns the level declared by the composition.
// A missing value is Normal; an unrecognised code is treated as VeryRestricted.
func (b *Bundle) Confidentiality() Confidentiality {
	c := b.Composition()
	if c == nil || c.Confidentiality == "" {
		return ConfidentialityNormal
	}
	level, ok := ParseConfidentiality(c.Confidentiality)
	if !ok {
		return ConfidentialityVeryRestricted
	}
	return level
}
