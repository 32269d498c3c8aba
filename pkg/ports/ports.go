// Package ports implements the special ports blocklist: a predicate
// consulted by the dialer before issuing a plain TCP connect for a
// plain-http origin, matching modern browser policy.
package ports

import "sort"

// blocked is the sorted table of well-known ports forbidden for plain
// HTTP, mirroring browser "bad port" lists.
var blocked = []int{
	1, 7, 9, 11, 13, 15, 17, 19, 20, 21, 22, 23, 25, 37, 42, 43, 53,
	77, 79, 87, 95, 101, 102, 103, 104, 109, 110, 111, 113, 115, 117, 119, 123,
	135, 139, 143, 179, 389, 465, 512, 513, 514, 515, 526, 530, 531, 532, 540,
	548, 556, 563, 587, 601, 636, 989, 990, 993, 995, 1719, 1720, 1723, 2049,
	3659, 4045, 6000, 6566, 6665, 6666, 6667, 6668, 6669,
}

func init() {
	sort.Ints(blocked)
}

// Blocked reports whether port is forbidden for a plain (non-TLS) HTTP
// connect.
func Blocked(port int) bool {
	i := sort.SearchInts(blocked, port)
	return i < len(blocked) && blocked[i] == port
}
