package checksum

const (
	// MinPartSize is the smallest part S3 accepts in a multipart upload.
	MinPartSize int64 = 5 * 1024 * 1024
	// MaxParts is the S3 limit on parts per multipart upload.
	MaxParts int64 = 10000
)

// DefaultPartSize mirrors the AWS SDK multipart uploader: the larger of
// MinPartSize and the size split evenly across MaxParts (rounded up).
// S3 recomputes multipart checksums from these part boundaries, so this
// must track the SDK exactly.
func DefaultPartSize(fileSize int64) int64 {
	perPart := (fileSize + MaxParts - 1) / MaxParts
	if perPart > MinPartSize {
		return perPart
	}
	return MinPartSize
}

// PartCount returns how many parts of partSize cover fileSize. An empty
// file is one part.
func PartCount(fileSize, partSize int64) int {
	if fileSize <= 0 || partSize <= 0 {
		return 1
	}
	return int((fileSize + partSize - 1) / partSize)
}
