// fingerprint.go generates stable hashes for grouping similar crashes.

package crashpad

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// fingerprintFrames is how many symbolized frames feed the fingerprint.
const fingerprintFrames = 3

// Fingerprint generates a hash for grouping similar crashes.
// The fingerprint is based on:
//   - fault kind, fault type and signal
//   - the first 3 symbolized frames (function names only)
//
// It ignores variable data like timestamps, report IDs, reasons, addresses
// and offsets.
func Fingerprint(r Report) string {
	parts := []string{string(r.Fault.Kind), r.Fault.Type, r.Fault.Signal}

	count := 0
	for _, f := range r.Frames {
		if f.Symbol == "" {
			continue
		}
		parts = append(parts, f.Symbol)
		count++
		if count >= fingerprintFrames {
			break
		}
	}

	sum := blake3.Sum256([]byte(strings.Join(parts, "|")))

	// Return hex-encoded first 16 bytes (32 hex chars)
	return hex.EncodeToString(sum[:16])
}
