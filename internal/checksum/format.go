package checksum

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// AWSString renders a checksum the way S3 reports it: standard base64, with
// a "-N" suffix for a multipart checksum-of-parts over N parts. Pass
// partCount 0 for a whole-object checksum.
func AWSString(sum []byte, partCount int) string {
	b64 := base64.StdEncoding.EncodeToString(sum)
	if partCount > 0 {
		return fmt.Sprintf("%s-%d", b64, partCount)
	}
	return b64
}

// Hex renders a checksum as lowercase hex.
func Hex(sum []byte) string {
	return hex.EncodeToString(sum)
}
