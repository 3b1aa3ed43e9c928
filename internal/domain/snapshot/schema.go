package snapshot

import "github.com/ehr/resourcestats/internal/platform/fhir"

// Schema is the shape a resource file takes.
type Schema int

const (
	// SchemaBundle lists wrapped records under "entry"; records are counted
	// by unique resource id.
	SchemaBundle Schema = iota
	// SchemaTotal carries a precomputed "total" and no entries.
	SchemaTotal
)

func (s Schema) String() string {
	switch s {
	case SchemaBundle:
		return "bundle"
	case SchemaTotal:
		return "total"
	default:
		return "unknown"
	}
}

// DetectSchema picks the shape by field presence: entries win over a total,
// and a document with neither is an empty bundle.
func DetectSchema(b *fhir.Bundle) Schema {
	if b.Entry == nil && b.Total != nil {
		return SchemaTotal
	}
	return SchemaBundle
}
