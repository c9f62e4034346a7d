package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// fingerprint hashes the canonical JSON encoding of the plan with the
// fingerprint field blank. Go's json package sorts map keys, so the
// encoding is stable for identical plans.
func fingerprint(p *Plan) string {
	shadow := *p
	shadow.Fingerprint = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		// Plan contains only marshalable fields; reaching this means a
		// programming error, not bad input.
		panic("plan: fingerprint encode: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
