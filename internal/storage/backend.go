// Package storage uploads local files to preservation providers. Every
// backend verifies the stored bytes against a precalculated checksum using
// the provider's own integrity mechanism.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/checksum"
)

var (
	// ErrObjectExists is returned when the target key is already taken and
	// overwrite was not requested.
	ErrObjectExists = errors.New("object already exists")

	// ErrChecksumMismatch is returned when the provider reports a checksum
	// different from the precalculated one.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrChecksumMissing is returned when the provider does not report a checksum.
	ErrChecksumMissing = errors.New("provider did not report a checksum")
)

// UploadRequest describes one upload.
type UploadRequest struct {
	LocalPath string
	Container string
	Key       string

	// ChecksumAlgorithm and Checksum are the precalculated transfer checksum.
	// When PartCount > 0 the checksum is a checksum-of-parts over parts of
	// PartSize bytes; otherwise it covers the whole file.
	ChecksumAlgorithm checksum.Algorithm
	Checksum          []byte
	PartSize          int64
	PartCount         int

	Metadata  map[string]string
	Overwrite bool
}

// Multipart reports whether the request uses a checksum-of-parts.
func (r UploadRequest) Multipart() bool {
	return r.PartCount > 0
}

// Backend uploads a file to one provider kind.
type Backend interface {
	Upload(ctx context.Context, req UploadRequest) error
}

// Backends maps provider kinds to their implementation. A kind without an
// entry is not implemented yet.
type Backends map[catalog.ProviderKind]Backend

// For returns the backend for kind.
func (b Backends) For(kind catalog.ProviderKind) (Backend, bool) {
	backend, ok := b[kind]
	return backend, ok && backend != nil
}

// TransferError wraps an upload failure with its source and destination.
type TransferError struct {
	Op        string
	LocalPath string
	Container string
	Key       string
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s to %s/%s: %v", e.Op, e.LocalPath, e.Container, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func transferError(op string, req UploadRequest, err error) error {
	return &TransferError{Op: op, LocalPath: req.LocalPath, Container: req.Container, Key: req.Key, Err: err}
}

func objectExists(req UploadRequest) error {
	return fmt.Errorf("%w: %s/%s", ErrObjectExists, req.Container, req.Key)
}
