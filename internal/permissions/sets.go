package permissions

import "sort"

// Set helpers keep profile slices deterministic (sorted, deduplicated) so
// the merge operator stays idempotent.

func sortedSet(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	return sortedSet(append(append([]string{}, a...), b...))
}

func intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range sortedSet(a) {
		if inB[s] {
			out = append(out, s)
		}
	}
	return out
}

func subtract(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, s := range b {
		inB[s] = true
	}
	var out []string
	for _, s := range sortedSet(a) {
		if !inB[s] {
			out = append(out, s)
		}
	}
	return out
}
