// SPDX-License-Identifier: GPL-3.0-or-later

package eyeballs

import (
	"sort"

	"golang.org/x/sys/unix"
)

// SortPaths returns the paths in the order the connect race expects:
// stable-sorted by SRV priority (ascending) and weight (descending),
// then interleaved by address family starting with IPv6, preserving
// the relative order within each family.
//
// Interleaving matters because the [*Engine] takes list order as
// authoritative: the families still race in parallel, but ties break
// towards the earlier entry, so an interleaved list prefers IPv6. An
// IPv4 success listed after a pending IPv6 attempt is delivered once
// that attempt is decided or the grace window closes.
//
// The input slice is not modified.
func SortPaths(paths []Path) []Path {
	ranked := make([]Path, len(paths))
	copy(ranked, paths)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority < ranked[j].Priority
		}
		return ranked[i].Weight > ranked[j].Weight
	})

	var ip6, ip4, rest []Path
	for _, path := range ranked {
		switch path.family() {
		case unix.AF_INET6:
			ip6 = append(ip6, path)
		case unix.AF_INET:
			ip4 = append(ip4, path)
		default:
			rest = append(rest, path)
		}
	}

	out := make([]Path, 0, len(ranked))
	for idx := 0; idx < len(ip6) || idx < len(ip4); idx++ {
		if idx < len(ip6) {
			out = append(out, ip6[idx])
		}
		if idx < len(ip4) {
			out = append(out, ip4[idx])
		}
	}
	return append(out, rest...)
}
