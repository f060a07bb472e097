package transfer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/sheerbytes/coldvault/internal/checksum"
)

// Metadata keys read back by anyone restoring from a provider.
const (
	OriginalPathKey           = "original-path-b64"
	OriginalPathCompressedKey = "original-path-b64-gz"

	// LongOriginalPathThreshold is the UTF-8 byte length from which the
	// original path is deflated before encoding. Provider metadata limits
	// are counted in bytes.
	LongOriginalPathThreshold = 768
)

// ChecksumKey returns the metadata key holding the hex fixity checksum.
func ChecksumKey(alg checksum.Algorithm) string {
	return "checksum-" + strings.ToLower(alg.Name())
}

// Metadata builds the upload metadata for a transfer stored under key.
// When key differs from the proposed key the proposal is kept as well.
func Metadata(alg checksum.Algorithm, fixity []byte, proposed, key string) (map[string]string, error) {
	md := map[string]string{
		ChecksumKey(alg): checksum.Hex(fixity),
	}
	if key != proposed {
		k, v, err := EncodeOriginalPath(proposed)
		if err != nil {
			return nil, err
		}
		md[k] = v
	}
	return md, nil
}

// EncodeOriginalPath returns the metadata key and value recording path.
func EncodeOriginalPath(path string) (key, value string, err error) {
	if len(path) < LongOriginalPathThreshold {
		return OriginalPathKey, base64.StdEncoding.EncodeToString([]byte(path)), nil
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := io.WriteString(zw, path); err != nil {
		return "", "", fmt.Errorf("deflate original path: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", "", fmt.Errorf("deflate original path: %w", err)
	}
	return OriginalPathCompressedKey, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeOriginalPath reverses EncodeOriginalPath.
func DecodeOriginalPath(key, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	switch key {
	case OriginalPathKey:
		return string(raw), nil
	case OriginalPathCompressedKey:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("inflate %s: %w", key, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return "", fmt.Errorf("inflate %s: %w", key, err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown original path key %q", key)
	}
}
