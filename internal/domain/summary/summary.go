// Package summary computes distribution statistics and histograms over
// per-patient record counts.
package summary

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrEmptyCollection is returned for a collection with no values.
	ErrEmptyCollection = errors.New("summary: empty collection")
	// ErrInvalidBinWidth is returned for a non-positive bin width.
	ErrInvalidBinWidth = errors.New("summary: bin width must be positive")
	// ErrTooManyBins is returned when a dense histogram would exceed MaxBins.
	ErrTooManyBins = errors.New("summary: too many histogram bins")
)

const (
	// DefaultBinWidth is the histogram bin width used when none is configured.
	DefaultBinWidth = 5
	// MaxBins bounds the length of a histogram that keeps empty bins.
	MaxBins = 1 << 20
)

// Options controls histogram generation.
type Options struct {
	BinWidth      int
	SuppressEmpty bool
}

// Bin is one histogram bucket covering [BinStart, BinEnd] inclusive.
type Bin struct {
	BinStart int `json:"bin_start" toml:"bin_start"`
	BinEnd   int `json:"bin_end" toml:"bin_end"`
	Count    int `json:"count" toml:"count"`
}

// Summary describes one collection of counts.
//
// Median is the element at index n/2 of the sorted values: the true median
// for odd n, the upper of the two middle values for even n.
type Summary struct {
	Mean      float64 `json:"mean" toml:"mean"`
	Median    int     `json:"median" toml:"median"`
	Min       int     `json:"min" toml:"min"`
	Max       int     `json:"max" toml:"max"`
	Histogram []Bin   `json:"histogram" toml:"histogram"`
}

// Summarize computes the statistics of values. The input slice is not
// modified.
func Summarize(values []int, opts Options) (Summary, error) {
	if opts.BinWidth <= 0 {
		return Summary{}, fmt.Errorf("%w: got %d", ErrInvalidBinWidth, opts.BinWidth)
	}
	n := len(values)
	if n == 0 {
		return Summary{}, ErrEmptyCollection
	}

	sorted := make([]int, n)
	copy(sorted, values)
	sort.Ints(sorted)
	if sorted[0] < 0 {
		return Summary{}, fmt.Errorf("summary: negative count %d", sorted[0])
	}

	maxValue := sorted[n-1]
	if !opts.SuppressEmpty {
		if bins := BinCount(maxValue, opts.BinWidth); bins > MaxBins {
			return Summary{}, fmt.Errorf("%w: %d bins of width %d for max %d", ErrTooManyBins, bins, opts.BinWidth, maxValue)
		}
	}

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}

	return Summary{
		Mean:      sum / float64(n),
		Median:    sorted[n/2],
		Min:       sorted[0],
		Max:       maxValue,
		Histogram: Histogram(sorted, opts.BinWidth, opts.SuppressEmpty),
	}, nil
}

// BinCount is the number of bins a histogram of width-wide bins needs to
// reach maxValue.
func BinCount(maxValue, width int) int {
	if width <= 0 || maxValue < 0 {
		return 0
	}
	return maxValue/width + 1
}

// Histogram buckets non-negative values into contiguous bins of the given
// width starting at 0. Bins run up to the one containing the maximum value,
// ceil((max+1)/width) in total; none lies wholly above the maximum. With
// suppressEmpty, zero-count bins are left out and only occupied bins are
// allocated. Without it, a histogram longer than MaxBins yields nil.
func Histogram(values []int, width int, suppressEmpty bool) []Bin {
	if width <= 0 || len(values) == 0 {
		return []Bin{}
	}

	maxValue := 0
	occupied := make(map[int]int)
	for _, v := range values {
		if v < 0 {
			continue
		}
		occupied[v/width]++
		if v > maxValue {
			maxValue = v
		}
	}

	if suppressEmpty {
		idx := make([]int, 0, len(occupied))
		for b := range occupied {
			idx = append(idx, b)
		}
		sort.Ints(idx)
		bins := make([]Bin, 0, len(idx))
		for _, b := range idx {
			bins = append(bins, newBin(b, width, occupied[b]))
		}
		return bins
	}

	total := BinCount(maxValue, width)
	if total > MaxBins {
		return nil
	}
	bins := make([]Bin, 0, total)
	for b := 0; b < total; b++ {
		bins = append(bins, newBin(b, width, occupied[b]))
	}
	return bins
}

// newBin builds bin b, clamping its end when it would overflow int.
func newBin(b, width, count int) Bin {
	start := b * width
	end := start + (width - 1)
	if end < start {
		end = math.MaxInt
	}
	return Bin{BinStart: start, BinEnd: end, Count: count}
}
