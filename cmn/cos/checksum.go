package cos

import (
	"crypto/sha1" //nolint:gosec // spec pins SHA-1 for both digest and invocation-id derivation
	"encoding/hex"
)

// SHA1Hex returns the lowercase hex digest used for .sha1 sidecar files
// under the persistence workspace.
func SHA1Hex(b []byte) string {
	sum := sha1.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// SHA1First8 returns the first 8 bytes of SHA-1(s) as a big-endian uint64,
// used for CUSTOM_FN.invocation_id derivation (arena nodes) where the spec
// requires a deterministic 64-bit id from campaign_sync_id and an index.
func SHA1First8(s string) uint64 {
	sum := sha1.Sum([]byte(s)) //nolint:gosec
	var v uint64
	for i := range 8 {
		v = v<<8 | uint64(sum[i])
	}
	return v
}
