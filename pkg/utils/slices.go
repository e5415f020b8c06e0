package utils

import (
	"cmp"
	"slices"
)

// SliceMap applies a function to each element of a slice and returns a new
// slice with the results.
func SliceMap[Domain, Range any](slice []Domain, fn func(Domain) Range) []Range {
	if slice == nil {
		return nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		ans[idx] = fn(elt)
	}

	return ans
}

// SliceMapE applies a fallible function to each element of a slice and
// returns a new slice with the results, stopping at the first error.
func SliceMapE[Domain, Range any](slice []Domain, fn func(Domain) (Range, error)) ([]Range, error) {
	if slice == nil {
		return nil, nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		elt, err := fn(elt)
		if err != nil {
			return nil, err
		}
		ans[idx] = elt
	}

	return ans, nil
}

// SortedKeys returns the keys of a map in sorted order.
// Used where deterministic iteration matters (logging, serialization).
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
