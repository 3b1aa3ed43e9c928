package fhir

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBundle_Searchset(t *testing.T) {
	doc := []byte(`{
		"resourceType": "Bundle",
		"type": "searchset",
		"total": 2,
		"entry": [
			{"fullUrl": "Immunization/a", "resource": {"resourceType": "Immunization", "id": "a"}},
			{"fullUrl": "Immunization/b", "resource": {"resourceType": "Immunization", "id": "b"}}
		]
	}`)

	b, err := DecodeBundle(doc)
	require.NoError(t, err)
	assert.Equal(t, "Bundle", b.ResourceType)
	assert.Equal(t, "searchset", b.Type)
	require.NotNil(t, b.Total)
	assert.Equal(t, 2, *b.Total)
	require.Len(t, b.Entry, 2)

	h, ok := b.Entry[1].Header()
	require.True(t, ok)
	assert.Equal(t, ResourceHeader{ResourceType: "Immunization", ID: "b"}, h)
}

func TestDecodeBundle_EntryPresence(t *testing.T) {
	missing, err := DecodeBundle([]byte(`{"resourceType": "Bundle"}`))
	require.NoError(t, err)
	assert.Nil(t, missing.Entry)

	empty, err := DecodeBundle([]byte(`{"resourceType": "Bundle", "entry": []}`))
	require.NoError(t, err)
	assert.NotNil(t, empty.Entry)
	assert.Empty(t, empty.Entry)
}

func TestDecodeBundle_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"whitespace", "   \n"},
		{"array", `[{"id": "1"}]`},
		{"null", "null"},
		{"string", `"Bundle"`},
		{"truncated", `{"resourceType": "Bundle", "entry": [`},
		{"fractional total", `{"total": 1.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBundle([]byte(tt.doc))
			assert.Error(t, err)
		})
	}

	_, err := DecodeBundle([]byte(`[]`))
	assert.True(t, errors.Is(err, ErrNotObject))
}

func TestBundleEntry_Header(t *testing.T) {
	tests := []struct {
		name   string
		entry  BundleEntry
		wantOK bool
		wantID string
	}{
		{"no resource", BundleEntry{}, false, ""},
		{"missing id", BundleEntry{Resource: []byte(`{"resourceType": "OperationOutcome"}`)}, true, ""},
		{"numeric id", BundleEntry{Resource: []byte(`{"resourceType": "Patient", "id": 7}`)}, false, ""},
		{"valid", BundleEntry{Resource: []byte(`{"resourceType": "Patient", "id": "p1"}`)}, true, "p1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, ok := tt.entry.Header()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, h.ID)
		})
	}
}
