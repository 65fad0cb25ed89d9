package risk

import (
	"strconv"

	"github.com/spaolacci/murmur3"
)

// Fingerprint derives a stable device identifier from request attributes.
// Inputs are joined in a fixed order, so swapping them yields a different id.
func Fingerprint(userAgent, sourceAddress string) string {
	h := murmur3.New64()
	h.Write([]byte(userAgent))
	h.Write([]byte{'|'})
	h.Write([]byte(sourceAddress))
	return strconv.FormatUint(h.Sum64(), 36)
}
