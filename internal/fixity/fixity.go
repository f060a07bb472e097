// Package fixity asks a remote service to recompute the checksum of a stored
// object at its provider and compares the answer with the fixity value
// recorded when the object was registered.
package fixity

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/pkg/protocol"
)

// ErrStallTimeout is returned when a remote check stops reporting progress.
var ErrStallTimeout = errors.New("timed out while waiting for a response")

// errIncompleteResult is returned for a result that has neither an error
// message nor both a checksum and a size.
var errIncompleteResult = errors.New("fixity check result has no checksum or size")

// Request names the stored object to check.
type Request struct {
	Bucket    string
	Key       string
	Algorithm checksum.Algorithm
}

func (r Request) wire() protocol.FixityCheck {
	return protocol.FixityCheck{
		BucketName:            r.Bucket,
		ObjectPath:            r.Key,
		ChecksumAlgorithmName: strings.ToLower(r.Algorithm.Name()),
	}
}

// Result is what the remote service computed. ErrorMessage is set when the
// service could not compute a checksum.
type Result struct {
	ChecksumHex  string
	Size         int64
	ErrorMessage string
}

// Matches reports whether the remote checksum and size equal the local ones.
// Checksums compare as lowercase hex.
func (r Result) Matches(localSum []byte, size int64) bool {
	return r.ErrorMessage == "" && r.ChecksumHex == hex.EncodeToString(localSum) && r.Size == size
}

// Transport runs one remote fixity check and blocks until it completes.
type Transport interface {
	Check(ctx context.Context, req Request) (Result, error)
}

func resultFrom(res protocol.FixityCheckResult) (Result, error) {
	if res.ErrorMessage != nil && *res.ErrorMessage != "" {
		return Result{ErrorMessage: *res.ErrorMessage}, nil
	}
	if res.ChecksumHexdigest == nil || res.ObjectSize == nil {
		return Result{}, errIncompleteResult
	}
	return Result{ChecksumHex: *res.ChecksumHexdigest, Size: *res.ObjectSize}, nil
}
