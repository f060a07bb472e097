package catalog

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/coldvault/internal/checksum"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sha(data string) []byte {
	h := checksum.SHA256.New()
	h.Write([]byte(data))
	return h.Sum(nil)
}

func crc(data string) []byte {
	h := checksum.CRC32C.New()
	h.Write([]byte(data))
	return h.Sum(nil)
}

func seedSource(t *testing.T, s *Store, path string) SourceObject {
	t.Helper()
	obj := SourceObject{Path: path, Size: 10, FixityAlgorithm: checksum.SHA256, FixityValue: sha("AAAAAAAAAA")}
	require.NoError(t, s.CreateSourceObject(&obj))
	return obj
}

func seedPending(t *testing.T, s *Store, src SourceObject, p StorageProvider) PendingTransfer {
	t.Helper()
	pt := PendingTransfer{
		SourceObjectID:    src.ID,
		StorageProviderID: p.ID,
		TransferAlgorithm: checksum.CRC32C,
		TransferValue:     crc("AAAAAAAAAA"),
	}
	require.NoError(t, s.CreatePendingTransfer(&pt))
	return pt
}

func TestValidateChecksum(t *testing.T) {
	empty := checksum.SHA256.EmptyValue()
	assert.NoError(t, ValidateChecksum(checksum.SHA256, empty, 0))
	assert.True(t, Invalid.Has(ValidateChecksum(checksum.SHA256, sha("x"), 0)))
	assert.True(t, Invalid.Has(ValidateChecksum(checksum.SHA256, empty, 1)))
	assert.NoError(t, ValidateChecksum(checksum.SHA256, sha("x"), 1))
	assert.True(t, Invalid.Has(ValidateChecksum(0, sha("x"), 1)))
	assert.True(t, Invalid.Has(ValidateChecksum(checksum.MD5, nil, 1)))
}

func TestStore_SourceObjects(t *testing.T) {
	s := openStore(t)

	obj := SourceObject{Path: "/digital/preservation/a.txt", Size: 3}
	require.NoError(t, s.CreateSourceObject(&obj))
	assert.NotZero(t, obj.ID)
	assert.Equal(t, PathHash("/digital/preservation/a.txt"), obj.PathHash)
	assert.False(t, obj.HasFixity())

	dup := SourceObject{Path: "/digital/preservation/a.txt", Size: 3}
	assert.True(t, IsConflict(s.CreateSourceObject(&dup)))

	byPath, err := s.SourceObjectByPath(obj.Path)
	require.NoError(t, err)
	assert.Equal(t, obj.ID, byPath.ID)

	_, err = s.SetFixity(obj.ID, checksum.SHA256, checksum.SHA256.EmptyValue())
	assert.True(t, Invalid.Has(err))

	updated, err := s.SetFixity(obj.ID, checksum.SHA256, sha("abc"))
	require.NoError(t, err)
	assert.True(t, updated.HasFixity())
	assert.Equal(t, obj.Path, updated.Path)

	_, err = s.SourceObject(999)
	assert.True(t, IsNotFound(err))

	second := SourceObject{Path: "/digital/preservation/b.txt", Size: 1}
	require.NoError(t, s.CreateSourceObject(&second))
	all, err := s.SourceObjects()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []uint64{obj.ID, second.ID}, []uint64{all[0].ID, all[1].ID})
	assert.True(t, all[0].HasFixity())
	assert.False(t, all[1].HasFixity())
}

func TestStore_ZeroByteSourceObject(t *testing.T) {
	s := openStore(t)
	obj := SourceObject{Path: "/empty", Size: 0, FixityAlgorithm: checksum.SHA256, FixityValue: sha("")}
	require.NoError(t, s.CreateSourceObject(&obj))

	bad := SourceObject{Path: "/empty2", Size: 0, FixityAlgorithm: checksum.SHA256, FixityValue: sha("x")}
	assert.True(t, Invalid.Has(s.CreateSourceObject(&bad)))
}

func TestStore_EnsureStorageProvider(t *testing.T) {
	s := openStore(t)
	a, err := s.EnsureStorageProvider(KindAWS, "bucket")
	require.NoError(t, err)
	again, err := s.EnsureStorageProvider(KindAWS, "bucket")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	g, err := s.EnsureStorageProvider(KindGCP, "bucket")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, g.ID)

	found, err := s.FindStorageProvider(KindGCP, "bucket")
	require.NoError(t, err)
	assert.Equal(t, g, found)

	_, err = s.FindStorageProvider(KindCUL, "bucket")
	assert.True(t, IsNotFound(err))
}

func TestStore_PendingTransferRequiresFixity(t *testing.T) {
	s := openStore(t)
	obj := SourceObject{Path: "/a", Size: 10}
	require.NoError(t, s.CreateSourceObject(&obj))
	p, err := s.EnsureStorageProvider(KindAWS, "bucket")
	require.NoError(t, err)

	pt := PendingTransfer{SourceObjectID: obj.ID, StorageProviderID: p.ID, TransferAlgorithm: checksum.CRC32C, TransferValue: crc("AAAAAAAAAA")}
	assert.True(t, Invalid.Has(s.CreatePendingTransfer(&pt)))
}

func TestStore_PendingTransferUniquePerPair(t *testing.T) {
	s := openStore(t)
	src := seedSource(t, s, "/a")
	p, _ := s.EnsureStorageProvider(KindAWS, "bucket")

	pt := seedPending(t, s, src, p)
	assert.Equal(t, TransferPending, pt.Status)

	ok, err := s.HasPendingTransfer(src.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := PendingTransfer{SourceObjectID: src.ID, StorageProviderID: p.ID, TransferAlgorithm: checksum.CRC32C, TransferValue: crc("AAAAAAAAAA")}
	assert.True(t, IsConflict(s.CreatePendingTransfer(&dup)))
}

func TestStore_ClaimKeyConflictsAcrossTransfers(t *testing.T) {
	s := openStore(t)
	p, _ := s.EnsureStorageProvider(KindAWS, "bucket")
	other, _ := s.EnsureStorageProvider(KindGCP, "bucket")
	first := seedPending(t, s, seedSource(t, s, "/a"), p)
	second := seedPending(t, s, seedSource(t, s, "/b"), p)
	elsewhere := seedPending(t, s, seedSource(t, s, "/c"), other)

	claimed, err := s.ClaimKey(first.ID, "dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "dir/file.txt", claimed.StoredKey)
	assert.Equal(t, PathHash("dir/file.txt"), claimed.StoredKeyHash)

	_, err = s.ClaimKey(first.ID, "dir/file.txt")
	assert.NoError(t, err, "reclaiming own key")

	_, err = s.ClaimKey(second.ID, "dir/file.txt")
	assert.True(t, IsConflict(err))

	_, err = s.ClaimKey(elsewhere.ID, "dir/file.txt")
	assert.NoError(t, err, "keys are scoped per provider")

	_, err = s.ClaimKey(first.ID, "dir/file_1.txt")
	require.NoError(t, err)
	_, err = s.ClaimKey(second.ID, "dir/file.txt")
	assert.NoError(t, err, "previous key released")
}

func TestStore_ClaimKeyConcurrent(t *testing.T) {
	s := openStore(t)
	p, _ := s.EnsureStorageProvider(KindAWS, "bucket")

	var ids []uint64
	for _, path := range []string{"/a", "/b", "/c", "/d", "/e", "/f", "/g", "/h"} {
		ids = append(ids, seedPending(t, s, seedSource(t, s, path), p).ID)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if _, err := s.ClaimKey(id, "shared/key"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestStore_PromoteTransfer(t *testing.T) {
	s := openStore(t)
	src := seedSource(t, s, "/a")
	p, _ := s.EnsureStorageProvider(KindAWS, "bucket")
	pt := seedPending(t, s, src, p)

	_, err := s.PromoteTransfer(pt.ID)
	assert.True(t, Invalid.Has(err), "no key claimed yet")

	_, err = s.ClaimKey(pt.ID, "a")
	require.NoError(t, err)

	stored, err := s.PromoteTransfer(pt.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", stored.Path)
	assert.Equal(t, pt.TransferValue, stored.TransferValue)
	assert.Equal(t, checksum.CRC32C, stored.TransferAlgorithm)

	_, err = s.PendingTransfer(pt.ID)
	assert.True(t, IsNotFound(err))
	has, err := s.HasPendingTransfer(src.ID, p.ID)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = s.HasStoredObject(src.ID, p.ID)
	require.NoError(t, err)
	assert.True(t, has)
	byPair, err := s.StoredObjectFor(src.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, byPair.ID)
	_, err = s.StoredObjectFor(src.ID, p.ID+1)
	assert.True(t, IsNotFound(err))

	// The stored object keeps the key.
	next := seedPending(t, s, seedSource(t, s, "/b"), p)
	_, err = s.ClaimKey(next.ID, "a")
	assert.True(t, IsConflict(err))

	// A second transfer of the same source to the same provider cannot be promoted.
	again := seedPending(t, s, src, p)
	_, err = s.ClaimKey(again.ID, "a_1")
	require.NoError(t, err)
	_, err = s.PromoteTransfer(again.ID)
	assert.True(t, IsConflict(err))
}

func TestStore_DeletePendingTransferReleasesKey(t *testing.T) {
	s := openStore(t)
	p, _ := s.EnsureStorageProvider(KindAWS, "bucket")
	first := seedPending(t, s, seedSource(t, s, "/a"), p)
	second := seedPending(t, s, seedSource(t, s, "/b"), p)

	_, err := s.ClaimKey(first.ID, "k")
	require.NoError(t, err)
	require.NoError(t, s.DeletePendingTransfer(first.ID))

	_, err = s.ClaimKey(second.ID, "k")
	assert.NoError(t, err)
	assert.True(t, IsNotFound(s.DeletePendingTransfer(first.ID)))
}

func TestStore_SetTransferStatusAndList(t *testing.T) {
	s := openStore(t)
	p, _ := s.EnsureStorageProvider(KindAWS, "bucket")
	pt := seedPending(t, s, seedSource(t, s, "/a"), p)
	seedPending(t, s, seedSource(t, s, "/b"), p)

	require.NoError(t, s.SetTransferStatus(pt.ID, TransferFailure, "boom"))
	got, err := s.PendingTransfer(pt.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferFailure, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)

	failed, err := s.PendingTransfers(TransferFailure)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	all, err := s.PendingTransfers("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Verifications(t *testing.T) {
	s := openStore(t)
	src := seedSource(t, s, "/a")
	p, _ := s.EnsureStorageProvider(KindAWS, "bucket")
	pt := seedPending(t, s, src, p)
	_, err := s.ClaimKey(pt.ID, "a")
	require.NoError(t, err)
	stored, err := s.PromoteTransfer(pt.ID)
	require.NoError(t, err)

	v, started, err := s.BeginVerification(stored.ID)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, VerificationPending, v.Status)
	assert.Equal(t, src.ID, v.SourceObjectID)

	same, started, err := s.BeginVerification(stored.ID)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, v.ID, same.ID)

	assert.True(t, Invalid.Has(s.FinishVerification(v.ID, VerificationPending, "")))
	require.NoError(t, s.FinishVerification(v.ID, VerificationFailure, "Checksum and/or object size mismatch."))

	fresh, started, err := s.BeginVerification(stored.ID)
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, v.ID, fresh.ID)

	current, err := s.VerificationFor(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, current.ID)
	assert.Equal(t, VerificationPending, current.Status)

	_, _, err = s.BeginVerification(12345)
	assert.True(t, IsNotFound(err))
}
