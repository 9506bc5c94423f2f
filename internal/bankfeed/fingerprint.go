package bankfeed

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives a stable transaction id from provider fields when the
// provider supplies none. Field order matters.
func Fingerprint(fields ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(fields, "\x1f")))
	return "fp" + hex.EncodeToString(sum[:16])
}
