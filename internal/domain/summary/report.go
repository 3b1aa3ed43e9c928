package summary

import (
	"encoding/json"
	"errors"
	"sort"
)

// Table maps a resource type to its summary.
type Table map[string]Summary

// Report is the final document of a run: a flat Table, or one Table per
// originating endpoint when stratified.
type Report struct {
	Stratified bool
	Flat       Table
	ByEndpoint map[string]Table
}

// Document returns the value that is serialized: Flat, or ByEndpoint when
// stratified.
func (r *Report) Document() any {
	if r.Stratified {
		return r.ByEndpoint
	}
	return r.Flat
}

func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Document())
}

// ResourceTypes returns every resource type present in the report, sorted.
func (r *Report) ResourceTypes() []string {
	seen := map[string]bool{}
	for t := range r.Flat {
		seen[t] = true
	}
	for _, table := range r.ByEndpoint {
		for t := range table {
			seen[t] = true
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build summarizes every collection. collections is keyed by endpoint and
// then resource type; when not stratified all endpoint groups are expected
// under a single key and are pooled. A collection that cannot be summarized
// is left out of the report rather than emitted partially.
func Build(collections map[string]map[string][]int, stratify bool, opts Options) (*Report, error) {
	if opts.BinWidth <= 0 {
		return nil, ErrInvalidBinWidth
	}

	r := &Report{Stratified: stratify}
	if stratify {
		r.ByEndpoint = make(map[string]Table, len(collections))
		for ep, byType := range collections {
			table, err := buildTable(byType, opts)
			if err != nil {
				return nil, err
			}
			if len(table) > 0 {
				r.ByEndpoint[ep] = table
			}
		}
		return r, nil
	}

	pooled := make(map[string][]int)
	for _, byType := range collections {
		for t, values := range byType {
			pooled[t] = append(pooled[t], values...)
		}
	}
	table, err := buildTable(pooled, opts)
	if err != nil {
		return nil, err
	}
	r.Flat = table
	return r, nil
}

func buildTable(byType map[string][]int, opts Options) (Table, error) {
	table := make(Table, len(byType))
	for t, values := range byType {
		s, err := Summarize(values, opts)
		if errors.Is(err, ErrInvalidBinWidth) {
			return nil, err
		}
		if err != nil {
			continue
		}
		table[t] = s
	}
	return table, nil
}
