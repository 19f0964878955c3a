package store

import "sort"

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func missingID(want []string, got []Column) string {
	have := make(map[string]bool, len(got))
	for _, c := range got {
		have[c.ID] = true
	}
	for _, id := range want {
		if !have[id] {
			return id
		}
	}
	return ""
}
