package checksum

import (
	"crypto/md5"
	"crypto/sha512"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/minio/sha256-simd"
)

// Algorithm identifies one of the supported digest functions.
type Algorithm int

const (
	SHA256 Algorithm = iota + 1
	SHA512
	MD5
	CRC32C
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Algorithms lists every supported algorithm in a stable order.
var Algorithms = []Algorithm{SHA256, SHA512, MD5, CRC32C}

// UnknownAlgorithmError is returned when a name does not map to a supported algorithm.
type UnknownAlgorithmError struct {
	Name string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("unknown checksum algorithm %q", e.Name)
}

// ParseAlgorithm maps a case-insensitive name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	case "MD5":
		return MD5, nil
	case "CRC32C":
		return CRC32C, nil
	default:
		return 0, &UnknownAlgorithmError{Name: name}
	}
}

// Name returns the canonical upper-case name.
func (a Algorithm) Name() string {
	switch a {
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	case MD5:
		return "MD5"
	case CRC32C:
		return "CRC32C"
	default:
		return ""
	}
}

func (a Algorithm) String() string {
	if n := a.Name(); n != "" {
		return n
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	return a.Name() != ""
}

// New returns a fresh hash for the algorithm. It panics on an invalid algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	case MD5:
		return md5.New()
	case CRC32C:
		return crc32.New(crc32cTable)
	default:
		panic(fmt.Sprintf("checksum: invalid algorithm %d", int(a)))
	}
}

// EmptyValue returns the digest of zero-length input.
func (a Algorithm) EmptyValue() []byte {
	return a.New().Sum(nil)
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("checksum: invalid algorithm %d", int(a))
	}
	return []byte(a.Name()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
