package schedule

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Checksum fingerprints an alert set for change detection. The (eventID,
// alertTime) pairs are sorted before hashing so any permutation of the same
// alerts produces the same value. Non-cryptographic; never used for
// integrity.
func Checksum(alerts []Alert) string {
	pairs := make([]string, 0, len(alerts))
	for _, a := range alerts {
		pairs = append(pairs, fmt.Sprintf("%s|%d", a.EventID, a.AlertTime.UnixMilli()))
	}
	sort.Strings(pairs)

	h := fnv.New64a()
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	// Truncated to 32 bits; collisions just cause a redundant push.
	return fmt.Sprintf("%08x", uint32(h.Sum64()))
}
