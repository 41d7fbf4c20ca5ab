package client

import (
	"cmp"
	"slices"
)

// MergeHistory reconciles a locally cached history with the server's list.
// Each file appears once, with the server's copy preferred since its
// counters are current. The result is newest upload first and holds at most
// limit entries.
func MergeHistory(local, server []File, limit int) []File {
	seen := make(map[string]bool, len(local)+len(server))
	out := make([]File, 0, len(local)+len(server))
	for _, f := range server {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	for _, f := range local {
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	slices.SortStableFunc(out, func(a, b File) int {
		return cmp.Compare(b.UploadDate.UnixNano(), a.UploadDate.UnixNano())
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
