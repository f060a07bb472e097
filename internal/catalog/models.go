package catalog

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/sheerbytes/coldvault/internal/checksum"
)

// ProviderKind identifies a storage provider family.
type ProviderKind int

const (
	KindAWS ProviderKind = iota
	KindGCP
	KindCUL
)

// ProviderKinds lists every known kind.
var ProviderKinds = []ProviderKind{KindAWS, KindGCP, KindCUL}

func (k ProviderKind) String() string {
	switch k {
	case KindAWS:
		return "aws"
	case KindGCP:
		return "gcp"
	case KindCUL:
		return "cul"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseProviderKind maps a storage type name to its kind.
func ParseProviderKind(name string) (ProviderKind, error) {
	for _, k := range ProviderKinds {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown storage type %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (k ProviderKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ProviderKind) UnmarshalText(text []byte) error {
	parsed, err := ParseProviderKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// TransferStatus is the lifecycle state of a PendingTransfer.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in_progress"
	TransferFailure    TransferStatus = "failure"
)

// VerificationStatus is the lifecycle state of a FixityVerification.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationSuccess VerificationStatus = "success"
	VerificationFailure VerificationStatus = "failure"
)

// Terminal reports whether no further updates are expected.
func (s VerificationStatus) Terminal() bool {
	return s == VerificationSuccess || s == VerificationFailure
}

// SourceObject is a local file registered for preservation.
type SourceObject struct {
	ID              uint64             `json:"id"`
	Path            string             `json:"path"`
	PathHash        []byte             `json:"path_hash"`
	Size            int64              `json:"size"`
	FixityAlgorithm checksum.Algorithm `json:"fixity_algorithm,omitempty"`
	FixityValue     []byte             `json:"fixity_value,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// HasFixity reports whether the fixity checksum has been computed.
func (o SourceObject) HasFixity() bool {
	return o.FixityAlgorithm.Valid() && o.FixityValue != nil
}

// StorageProvider is one container at one provider.
type StorageProvider struct {
	ID        uint64       `json:"id"`
	Kind      ProviderKind `json:"kind"`
	Container string       `json:"container"`
}

// PendingTransfer is the intent to copy one SourceObject to one StorageProvider.
type PendingTransfer struct {
	ID                uint64             `json:"id"`
	SourceObjectID    uint64             `json:"source_object_id"`
	StorageProviderID uint64             `json:"storage_provider_id"`
	TransferAlgorithm checksum.Algorithm `json:"transfer_algorithm"`
	TransferValue     []byte             `json:"transfer_value"`
	PartSize          int64              `json:"part_size,omitempty"`
	PartCount         int                `json:"part_count,omitempty"`
	Status            TransferStatus     `json:"status"`
	StoredKey         string             `json:"stored_key,omitempty"`
	StoredKeyHash     []byte             `json:"stored_key_hash,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Multipart reports whether the transfer checksum is a checksum-of-parts.
func (t PendingTransfer) Multipart() bool {
	return t.PartCount > 0
}

// StoredObject records that a SourceObject exists at Path in a provider.
type StoredObject struct {
	ID                uint64             `json:"id"`
	SourceObjectID    uint64             `json:"source_object_id"`
	StorageProviderID uint64             `json:"storage_provider_id"`
	Path              string             `json:"path"`
	PathHash          []byte             `json:"path_hash"`
	TransferAlgorithm checksum.Algorithm `json:"transfer_algorithm"`
	TransferValue     []byte             `json:"transfer_value"`
	PartSize          int64              `json:"part_size,omitempty"`
	PartCount         int                `json:"part_count,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// FixityVerification is one remote re-check of a StoredObject.
type FixityVerification struct {
	ID             uint64             `json:"id"`
	SourceObjectID uint64             `json:"source_object_id"`
	StoredObjectID uint64             `json:"stored_object_id"`
	Status         VerificationStatus `json:"status"`
	ErrorMessage   string             `json:"error_message,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// PathHash returns the SHA256 digest bound to a path.
func PathHash(path string) []byte {
	sum := sha256.Sum256([]byte(path))
	return sum[:]
}

// ValidateChecksum enforces the zero-length rule: an empty object must carry
// the algorithm's empty-input digest and any other object must not.
func ValidateChecksum(alg checksum.Algorithm, value []byte, size int64) error {
	if !alg.Valid() {
		return Invalid.New("checksum algorithm is not set")
	}
	if len(value) == 0 {
		return Invalid.New("%s checksum value is empty", alg)
	}
	isEmpty := bytes.Equal(value, alg.EmptyValue())
	if size == 0 && !isEmpty {
		return Invalid.New("zero-byte object must have the empty %s checksum", alg)
	}
	if size > 0 && isEmpty {
		return Invalid.New("non-empty object cannot have the empty %s checksum", alg)
	}
	return nil
}
