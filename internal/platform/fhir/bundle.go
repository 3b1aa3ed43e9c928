package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when a document is valid JSON but not a JSON object.
var ErrNotObject = errors.New("document is not a JSON object")

// Bundle represents the parts of a FHIR Bundle (or a count-only search
// response) needed to tally records.
//
// Entry is nil when the document has no "entry" member; an empty array
// decodes to a non-nil empty slice.
type Bundle struct {
	ResourceType string        `json:"resourceType,omitempty"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// ResourceHeader is the identity of a resource: its type and logical id.
type ResourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// DecodeBundle parses a bundle-like document. Anything other than a JSON
// object is rejected.
func DecodeBundle(data []byte) (*Bundle, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode bundle: empty document")
	}
	if trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	var b Bundle
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// Header decodes the type and id of the entry's resource. The second return
// value is false when the entry has no resource or the resource cannot be
// decoded.
func (e BundleEntry) Header() (ResourceHeader, bool) {
	if len(e.Resource) == 0 {
		return ResourceHeader{}, false
	}
	var h ResourceHeader
	if err := json.Unmarshal(e.Resource, &h); err != nil {
		return ResourceHeader{}, false
	}
	return h, true
}
