package snapshot

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect_LatestTimestampWins(t *testing.T) {
	export := t.TempDir()
	writeJSON(t, filepath.Join(export, "older"), "manifest.json", map[string]any{"timestamp": 100})
	writeJSON(t, filepath.Join(export, "older"), "IMMUNIZATION.json", bundle([2]string{"Immunization", "old"}))
	writeJSON(t, filepath.Join(export, "newer"), "manifest.json", map[string]any{"timestamp": 200})
	writeJSON(t, filepath.Join(export, "newer"), "IMMUNIZATION.json", bundle(
		[2]string{"Immunization", "n1"},
		[2]string{"Immunization", "n2"},
	))

	snap, err := NewSelector(zerolog.Nop()).Select(export)
	require.NoError(t, err)
	assert.Equal(t, "newer", snap.ID)
	assert.Equal(t, filepath.Join(export, "newer"), snap.Path)
	assert.Equal(t, time.Unix(200, 0).UTC(), snap.Timestamp)

	ext := newTestExtractor().Extract(snap.Path, snap.Manifest.FileTypes())
	assert.Equal(t, Counts{"Immunization": 2}, ext.Counts)
}

func TestSelect_ExcludesUnusableCandidates(t *testing.T) {
	export := t.TempDir()
	writeJSON(t, filepath.Join(export, "a-good"), "log.json", map[string]any{"timestamp": "2024-01-02T03:04:05Z"})
	writeFile(t, filepath.Join(export, "b-broken"), "manifest.json", `{"timestamp": `)
	writeJSON(t, filepath.Join(export, "c-no-timestamp"), "log.json", map[string]any{
		"source": "HAPI FHIR",
		"query":  []any{map[string]any{"request": "Immunization?patient=1", "response": "IMMUNIZATION.json", "status": 200}},
	})
	writeJSON(t, filepath.Join(export, "d-no-manifest"), "IMMUNIZATION.json", bundle())
	writeFile(t, export, "stray-file.json", `{}`)

	snap, err := NewSelector(zerolog.Nop()).Select(export)
	require.NoError(t, err)
	assert.Equal(t, "a-good", snap.ID)
}

func TestSelect_NoUsableSnapshot(t *testing.T) {
	export := t.TempDir()
	writeJSON(t, filepath.Join(export, "s1"), "log.json", map[string]any{"query": []any{}})
	writeJSON(t, filepath.Join(export, "s2"), "IMMUNIZATION.json", bundle())

	_, err := NewSelector(zerolog.Nop()).Select(export)
	require.Error(t, err)

	var selErr *SelectionError
	require.True(t, errors.As(err, &selErr))
	assert.Equal(t, 2, selErr.Candidates)
	assert.Equal(t, export, selErr.Dir)
}

func TestSelect_MissingExportDir(t *testing.T) {
	_, err := NewSelector(zerolog.Nop()).Select(filepath.Join(t.TempDir(), "missing"))

	var selErr *SelectionError
	require.True(t, errors.As(err, &selErr))
	assert.Error(t, selErr.Unwrap())
}

func TestSelect_TieBrokenByGreatestID(t *testing.T) {
	export := t.TempDir()
	for _, id := range []string{"b", "c", "a"} {
		writeJSON(t, filepath.Join(export, id), "manifest.json", map[string]any{"timestamp": 500})
	}

	for i := 0; i < 3; i++ {
		snap, err := NewSelector(zerolog.Nop()).Select(export)
		require.NoError(t, err)
		assert.Equal(t, "c", snap.ID)
	}
}

func TestSelect_PerQueryTimestamps(t *testing.T) {
	export := t.TempDir()
	writeJSON(t, filepath.Join(export, "x"), "log.json", map[string]any{
		"query": []any{
			map[string]any{"request": "Procedure?subject=Patient/1", "response": "PROCEDURE.json", "timestamp": 300},
			map[string]any{"request": "Immunization?patient=Patient/1", "response": "IMMUNIZATION.json", "timestamp": 150},
		},
	})
	writeJSON(t, filepath.Join(export, "y"), "manifest.json", map[string]any{"timestamp": 250})

	snap, err := NewSelector(zerolog.Nop()).Select(export)
	require.NoError(t, err)
	assert.Equal(t, "x", snap.ID)
	assert.Equal(t, "x@1970-01-01T00:05:00Z", snap.String())
}
