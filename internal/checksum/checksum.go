// Package checksum computes whole-file digests and the multipart
// checksum-of-checksums reported by S3 for CRC32C uploads.
package checksum

import (
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/sheerbytes/coldvault/internal/bufpool"
)

const copyBufferSize = 1 << 20

var buffers = bufpool.New(copyBufferSize)

// MultipartResult describes a file split into consecutive parts.
type MultipartResult struct {
	// ChecksumOfParts is the CRC32C of the concatenated binary part digests.
	ChecksumOfParts []byte
	PartSize        int64
	PartCount       int
	// WholeFile is the CRC32C of the entire file, set only when requested.
	WholeFile []byte
}

// WholeFile digests the file at path in a single streaming pass.
func WholeFile(path string, alg Algorithm) ([]byte, error) {
	if !alg.Valid() {
		return nil, &UnknownAlgorithmError{Name: alg.String()}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := alg.New()
	if err := buffers.Copy(h, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return h.Sum(nil), nil
}

// Multipart computes the CRC32C checksum-of-parts for the file at path.
// A partSize <= 0 selects DefaultPartSize for the file's size. When
// withWholeFile is set, the whole-file CRC32C is accumulated from the same reads.
func Multipart(path string, partSize int64, withWholeFile bool) (MultipartResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return MultipartResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if partSize <= 0 {
		info, err := f.Stat()
		if err != nil {
			return MultipartResult{}, fmt.Errorf("stat %s: %w", path, err)
		}
		partSize = DefaultPartSize(info.Size())
	}

	var whole hash.Hash
	if withWholeFile {
		whole = CRC32C.New()
	}
	ofParts := CRC32C.New()
	part := CRC32C.New()

	count := 0
	for {
		part.Reset()
		var dst io.Writer = part
		if whole != nil {
			dst = io.MultiWriter(part, whole)
		}
		n, err := buffers.CopyN(dst, f, partSize)
		if err != nil {
			return MultipartResult{}, fmt.Errorf("read %s: %w", path, err)
		}
		// An empty file still uploads as a single empty part.
		if n == 0 && count > 0 {
			break
		}
		ofParts.Write(part.Sum(nil))
		count++
		if n < partSize {
			break
		}
	}

	res := MultipartResult{
		ChecksumOfParts: ofParts.Sum(nil),
		PartSize:        partSize,
		PartCount:       count,
	}
	if whole != nil {
		res.WholeFile = whole.Sum(nil)
	}
	return res, nil
}
