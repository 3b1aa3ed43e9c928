package snapshot

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Time
		wantErr bool
	}{
		{"integer seconds", `200`, time.Unix(200, 0).UTC(), false},
		{"fractional seconds", `1.5`, time.Unix(1, 500000000).UTC(), false},
		{"rfc3339", `"2023-06-01T12:00:00Z"`, time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC), false},
		{"rfc3339 offset", `"2023-06-01T14:00:00+02:00"`, time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC), false},
		{"bad string", `"yesterday"`, time.Time{}, true},
		{"object", `{}`, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.raw), &ts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(ts.Time), "want %s, got %s", tt.want, ts.Time)
		})
	}
}

func TestManifest_Freshness(t *testing.T) {
	var m Manifest
	require.NoError(t, json.Unmarshal([]byte(`{"query": [{"request": "Goal", "response": "GOAL.json", "status": 200}]}`), &m))
	_, ok := m.Freshness()
	assert.False(t, ok)

	require.NoError(t, json.Unmarshal([]byte(`{"timestamp": null, "query": [{"timestamp": 10}, {"timestamp": 30}, {"timestamp": 20}]}`), &m))
	ts, ok := m.Freshness()
	require.True(t, ok)
	assert.Equal(t, time.Unix(30, 0).UTC(), ts)
}

func TestManifest_FileTypes(t *testing.T) {
	m := Manifest{Query: []QueryEntry{
		{Request: "Patient/123", Response: "PATIENT_DEMOGRAPHICS.json"},
		{Request: "Observation?category=laboratory&subject=Patient/123", Response: "LAB.json"},
		{Request: "https://fhir.example.org/r4/Immunization?patient=Patient/123", Response: "sub/IMMUNIZATION.json"},
		{Request: "", Response: "EMPTY.json"},
		{Request: "Procedure", Response: ""},
	}}

	assert.Equal(t, FileTypes{
		"PATIENT_DEMOGRAPHICS.json": "Patient",
		"LAB.json":                  "Observation",
		"IMMUNIZATION.json":         "Immunization",
	}, m.FileTypes())
}

func TestResourceTypeOf(t *testing.T) {
	tests := []struct {
		request string
		want    string
	}{
		{"Immunization?patient=Patient/1", "Immunization"},
		{"AllergyIntolerance?patient=Patient/1", "AllergyIntolerance"},
		{"Patient/abc-123", "Patient"},
		{"http://hapi.fhir.org/baseDstu2/Observation?category=vital-signs", "Observation"},
		{"https://ehr.example.com/fhir/R4/Condition/", "Condition"},
		{"https://ehr.example.com/fhir/R4/Patient/123/", "Patient"},
		{"patient/123", ""},
		{"", ""},
		{"?foo=bar", ""},
		{"https://example.com/fhir/123/456", ""},
		{"http://x.org/fhir/Immunization/Flu", "Immunization"},
		{"https://ehr.example.com/fhir/Patient/Observation", "Patient"},
		{"https://ehr.example.com/fhir/Patient/123/Observation", "Observation"},
		{"https://ehr.example.com/fhir/Widget", ""},
	}

	for _, tt := range tests {
		t.Run(tt.request, func(t *testing.T) {
			assert.Equal(t, tt.want, ResourceTypeOf(tt.request))
		})
	}
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadManifest(dir)
	assert.True(t, errors.Is(err, ErrNoManifest))

	writeJSON(t, dir, "log.json", map[string]any{"source": "log", "timestamp": 1})
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "log", m.Source)

	writeJSON(t, dir, "manifest.json", map[string]any{"source": "manifest", "timestamp": 2})
	m, err = ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "manifest", m.Source)

	writeFile(t, dir, "manifest.json", `not json`)
	_, err = ReadManifest(dir)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoManifest))
}

func TestCanonicalType(t *testing.T) {
	assert.Equal(t, "Observation", CanonicalType("LAB.json"))
	assert.Equal(t, "Observation", CanonicalType("SMOKING_STATUS.json"))
	assert.Equal(t, "Immunization", CanonicalType("IMMUNIZATION.json"))
	assert.Equal(t, "lab", CanonicalType("lab.json"))
	assert.Equal(t, "Unlisted", CanonicalType("Unlisted"))
}
