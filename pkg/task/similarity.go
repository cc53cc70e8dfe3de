package task

import "strings"

// Jaccard computes the Jaccard similarity coefficient of the whitespace
// token sets of two strings, used by both dedup detection and
// the scheduler's context-similarity factor.
func Jaccard(a, b string) float64 {
	return jaccardSets(tokenize(a), tokenize(b))
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = true
	}
	return out
}

func jaccardSets(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// JaccardStrings computes Jaccard similarity over two string slices treated
// as sets (used for file-ref overlap in the scheduler).
func JaccardStrings(a, b []string) float64 {
	return jaccardSets(toSet(a), toSet(b))
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[strings.ToLower(it)] = true
	}
	return out
}

// similarTasks reports whether two tasks are near-duplicates: Jaccard
// overlap of whitespace tokens on title+description above threshold.
func similarTasks(a, b *Task, threshold float64) bool {
	textA := a.Title + " " + a.Description
	textB := b.Title + " " + b.Description
	return Jaccard(textA, textB) >= threshold
}

// mergeDuplicate folds dup's dependencies, tags and file refs into primary,
// taking the union. Callers are expected to Remove(dup.ID) from the tree
// afterward.
func mergeDuplicate(primary, dup *Task) {
	primary.Dependencies = unionStrings(primary.Dependencies, dup.Dependencies)
	primary.Metadata.Tags = unionStrings(primary.Metadata.Tags, dup.Metadata.Tags)

	seen := make(map[string]bool, len(primary.Metadata.FileRefs))
	for _, fr := range primary.Metadata.FileRefs {
		seen[fr.Path] = true
	}
	for _, fr := range dup.Metadata.FileRefs {
		if !seen[fr.Path] {
			primary.Metadata.FileRefs = append(primary.Metadata.FileRefs, fr)
			seen[fr.Path] = true
		}
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
