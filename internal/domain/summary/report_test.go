package summary

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_FlatPoolsEndpoints(t *testing.T) {
	collections := map[string]map[string][]int{
		"": {
			"Immunization": {2, 1},
			"Procedure":    {4},
		},
	}

	r, err := Build(collections, false, Options{BinWidth: 5})
	require.NoError(t, err)
	require.False(t, r.Stratified)

	imm := r.Flat["Immunization"]
	assert.Equal(t, 1.5, imm.Mean)
	assert.Equal(t, 2, imm.Median)
	assert.Equal(t, 1, imm.Min)
	assert.Equal(t, 2, imm.Max)
	assert.Equal(t, []Bin{{0, 4, 2}}, imm.Histogram)

	assert.Equal(t, []string{"Immunization", "Procedure"}, r.ResourceTypes())
}

func TestBuild_Stratified(t *testing.T) {
	collections := map[string]map[string][]int{
		"https://a.example/fhir": {"Immunization": {1, 3}},
		"unknown":                {"Immunization": {8}, "Goal": {}},
	}

	r, err := Build(collections, true, Options{BinWidth: 5, SuppressEmpty: true})
	require.NoError(t, err)
	require.True(t, r.Stratified)

	require.Contains(t, r.ByEndpoint, "https://a.example/fhir")
	assert.Equal(t, 3, r.ByEndpoint["https://a.example/fhir"]["Immunization"].Median)

	unknown := r.ByEndpoint["unknown"]
	assert.NotContains(t, unknown, "Goal")
	assert.Equal(t, []Bin{{5, 9, 1}}, unknown["Immunization"].Histogram)
}

func TestBuild_PooledWhenNotStratified(t *testing.T) {
	collections := map[string]map[string][]int{
		"https://a.example/fhir": {"Immunization": {1}},
		"https://b.example/fhir": {"Immunization": {3, 5}},
	}

	r, err := Build(collections, false, Options{BinWidth: 5})
	require.NoError(t, err)
	assert.Equal(t, 3.0, r.Flat["Immunization"].Mean)
	assert.Equal(t, 3, r.Flat["Immunization"].Median)
}

func TestBuild_InvalidWidth(t *testing.T) {
	_, err := Build(map[string]map[string][]int{}, false, Options{})
	assert.True(t, errors.Is(err, ErrInvalidBinWidth))
}

func TestBuild_OmitsTypeWithTooManyBins(t *testing.T) {
	collections := map[string]map[string][]int{
		"": {
			"Observation":  {1, 1 << 50},
			"Immunization": {2},
		},
	}

	r, err := Build(collections, false, Options{BinWidth: 1})
	require.NoError(t, err)
	assert.NotContains(t, r.Flat, "Observation")
	assert.Contains(t, r.Flat, "Immunization")

	r, err = Build(collections, false, Options{BinWidth: 1, SuppressEmpty: true})
	require.NoError(t, err)
	assert.Len(t, r.Flat["Observation"].Histogram, 2)
}

func TestReport_MarshalJSON(t *testing.T) {
	flat := &Report{Flat: Table{"Goal": {Mean: 1, Median: 1, Min: 1, Max: 1, Histogram: []Bin{{0, 4, 1}}}}}
	data, err := json.Marshal(flat)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Goal": {"mean": 1, "median": 1, "min": 1, "max": 1, "histogram": [{"bin_start": 0, "bin_end": 4, "count": 1}]}}`, string(data))

	strat := &Report{Stratified: true, ByEndpoint: map[string]Table{"unknown": {}}}
	data, err = json.Marshal(strat)
	require.NoError(t, err)
	assert.JSONEq(t, `{"unknown": {}}`, string(data))

	empty, err := Build(nil, false, Options{BinWidth: 5})
	require.NoError(t, err)
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}
