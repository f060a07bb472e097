// Package catalog persists the preservation records in a bbolt database and
// enforces their uniqueness rules inside single transactions. Those rules are
// what keep concurrent workers from storing an object twice.
package catalog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sheerbytes/coldvault/internal/checksum"
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600
)

var defaultTimeout = 1 * time.Second

var (
	bucketSources          = []byte("source_objects")
	bucketSourcesByPath    = []byte("source_objects_by_path_hash")
	bucketProviders        = []byte("storage_providers")
	bucketProvidersByName  = []byte("storage_providers_by_kind_container")
	bucketPending          = []byte("pending_transfers")
	bucketPendingByPair    = []byte("pending_transfers_by_source_provider")
	bucketStored           = []byte("stored_objects")
	bucketStoredByPair     = []byte("stored_objects_by_source_provider")
	bucketKeyClaims        = []byte("object_key_claims")
	bucketVerifications    = []byte("fixity_verifications")
	bucketVerifByStoredObj = []byte("fixity_verifications_by_stored_object")
)

var allBuckets = [][]byte{
	bucketSources, bucketSourcesByPath,
	bucketProviders, bucketProvidersByName,
	bucketPending, bucketPendingByPair,
	bucketStored, bucketStoredByPair,
	bucketKeyClaims,
	bucketVerifications, bucketVerifByStoredObj,
}

// Store is the bbolt-backed catalog.
type Store struct {
	db   *bolt.DB
	Path string
	now  func() time.Time
}

// Open opens (or creates) the catalog database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return &Store{db: db, Path: path, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return Error.Wrap(s.db.Close())
}

// CreateSourceObject registers a new source object. The path hash is derived
// from the path; a second object with the same path is a Conflict.
func (s *Store) CreateSourceObject(obj *SourceObject) error {
	if obj.Path == "" {
		return Invalid.New("source object path is empty")
	}
	if obj.Size < 0 {
		return Invalid.New("source object size is negative")
	}
	if obj.FixityAlgorithm.Valid() || obj.FixityValue != nil {
		if err := ValidateChecksum(obj.FixityAlgorithm, obj.FixityValue, obj.Size); err != nil {
			return err
		}
	}
	obj.PathHash = PathHash(obj.Path)

	return s.db.Update(func(tx *bolt.Tx) error {
		byPath := tx.Bucket(bucketSourcesByPath)
		if byPath.Get(obj.PathHash) != nil {
			return Conflict.New("source object %q already registered", obj.Path)
		}
		b := tx.Bucket(bucketSources)
		id, err := b.NextSequence()
		if err != nil {
			return Error.Wrap(err)
		}
		obj.ID = id
		obj.CreatedAt = s.now()
		obj.UpdatedAt = obj.CreatedAt
		if err := putJSON(b, id, obj); err != nil {
			return err
		}
		return Error.Wrap(byPath.Put(obj.PathHash, itob(id)))
	})
}

// SourceObject loads a source object by id.
func (s *Store) SourceObject(id uint64) (obj SourceObject, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketSources), id, "source object", &obj)
	})
	return obj, err
}

// SourceObjectByPath loads a source object by its local path.
func (s *Store) SourceObjectByPath(path string) (obj SourceObject, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSourcesByPath).Get(PathHash(path))
		if raw == nil {
			return NotFound.New("source object %q", path)
		}
		return getJSON(tx.Bucket(bucketSources), btoi(raw), "source object", &obj)
	})
	return obj, err
}

// SourceObjects lists every source object in id order.
func (s *Store) SourceObjects() ([]SourceObject, error) {
	var out []SourceObject
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).ForEach(func(_, v []byte) error {
			var obj SourceObject
			if err := json.Unmarshal(v, &obj); err != nil {
				return Error.Wrap(err)
			}
			out = append(out, obj)
			return nil
		})
	})
	return out, err
}

// SetFixity records the fixity checksum of a source object. The path is
// never rewritten.
func (s *Store) SetFixity(id uint64, alg checksum.Algorithm, value []byte) (obj SourceObject, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		if err := getJSON(b, id, "source object", &obj); err != nil {
			return err
		}
		if err := ValidateChecksum(alg, value, obj.Size); err != nil {
			return err
		}
		obj.FixityAlgorithm = alg
		obj.FixityValue = value
		obj.UpdatedAt = s.now()
		return putJSON(b, id, &obj)
	})
	return obj, err
}

// EnsureStorageProvider returns the provider for (kind, container), creating it if needed.
func (s *Store) EnsureStorageProvider(kind ProviderKind, container string) (p StorageProvider, err error) {
	if container == "" {
		return p, Invalid.New("storage provider container is empty")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		byName := tx.Bucket(bucketProvidersByName)
		b := tx.Bucket(bucketProviders)
		name := providerName(kind, container)
		if raw := byName.Get(name); raw != nil {
			return getJSON(b, btoi(raw), "storage provider", &p)
		}
		id, err := b.NextSequence()
		if err != nil {
			return Error.Wrap(err)
		}
		p = StorageProvider{ID: id, Kind: kind, Container: container}
		if err := putJSON(b, id, &p); err != nil {
			return err
		}
		return Error.Wrap(byName.Put(name, itob(id)))
	})
	return p, err
}

// StorageProvider loads a provider by id.
func (s *Store) StorageProvider(id uint64) (p StorageProvider, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketProviders), id, "storage provider", &p)
	})
	return p, err
}

// FindStorageProvider loads the provider for (kind, container).
func (s *Store) FindStorageProvider(kind ProviderKind, container string) (p StorageProvider, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketProvidersByName).Get(providerName(kind, container))
		if raw == nil {
			return NotFound.New("storage provider %s/%s", kind, container)
		}
		return getJSON(tx.Bucket(bucketProviders), btoi(raw), "storage provider", &p)
	})
	return p, err
}

// CreatePendingTransfer records the intent to copy a source object to a
// provider. The source object must already carry its fixity checksum, and
// only one pending transfer may exist per (source object, provider).
func (s *Store) CreatePendingTransfer(t *PendingTransfer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var src SourceObject
		if err := getJSON(tx.Bucket(bucketSources), t.SourceObjectID, "source object", &src); err != nil {
			return err
		}
		if !src.HasFixity() {
			return Invalid.New("source object %d has no fixity checksum", src.ID)
		}
		var p StorageProvider
		if err := getJSON(tx.Bucket(bucketProviders), t.StorageProviderID, "storage provider", &p); err != nil {
			return err
		}
		if err := ValidateChecksum(t.TransferAlgorithm, t.TransferValue, src.Size); err != nil {
			return err
		}
		pair := pairKey(t.SourceObjectID, t.StorageProviderID)
		byPair := tx.Bucket(bucketPendingByPair)
		if byPair.Get(pair) != nil {
			return Conflict.New("pending transfer for source object %d to provider %d already exists", t.SourceObjectID, t.StorageProviderID)
		}

		b := tx.Bucket(bucketPending)
		id, err := b.NextSequence()
		if err != nil {
			return Error.Wrap(err)
		}
		t.ID = id
		if t.Status == "" {
			t.Status = TransferPending
		}
		t.CreatedAt = s.now()
		t.UpdatedAt = t.CreatedAt
		if err := putJSON(b, id, t); err != nil {
			return err
		}
		return Error.Wrap(byPair.Put(pair, itob(id)))
	})
}

// PendingTransfer loads a pending transfer by id.
func (s *Store) PendingTransfer(id uint64) (t PendingTransfer, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketPending), id, "pending transfer", &t)
	})
	return t, err
}

// PendingTransfers lists pending transfers, optionally filtered by status.
func (s *Store) PendingTransfers(status TransferStatus) ([]PendingTransfer, error) {
	var out []PendingTransfer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var t PendingTransfer
			if err := json.Unmarshal(v, &t); err != nil {
				return Error.Wrap(err)
			}
			if status == "" || t.Status == status {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// HasPendingTransfer reports whether a pending transfer exists for the pair.
func (s *Store) HasPendingTransfer(sourceID, providerID uint64) (bool, error) {
	return s.hasKey(bucketPendingByPair, pairKey(sourceID, providerID))
}

// SetTransferStatus updates the status and error message of a pending transfer.
func (s *Store) SetTransferStatus(id uint64, status TransferStatus, message string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		var t PendingTransfer
		if err := getJSON(b, id, "pending transfer", &t); err != nil {
			return err
		}
		t.Status = status
		t.ErrorMessage = message
		t.UpdatedAt = s.now()
		return putJSON(b, id, &t)
	})
}

// ClaimKey assigns key to the pending transfer. Keys are unique per provider
// across pending transfers and stored objects; claiming a key held by any
// other record returns a Conflict. A key previously claimed by the same
// transfer is released.
func (s *Store) ClaimKey(id uint64, key string) (t PendingTransfer, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if err := getJSON(b, id, "pending transfer", &t); err != nil {
			return err
		}
		claims := tx.Bucket(bucketKeyClaims)
		mine := claimRef('p', t.ID)
		claim := claimKey(t.StorageProviderID, key)
		if held := claims.Get(claim); held != nil && !bytes.Equal(held, mine) {
			return Conflict.New("key %q is already claimed in provider %d", key, t.StorageProviderID)
		}
		if t.StoredKey != "" && t.StoredKey != key {
			old := claimKey(t.StorageProviderID, t.StoredKey)
			if bytes.Equal(claims.Get(old), mine) {
				if err := claims.Delete(old); err != nil {
					return Error.Wrap(err)
				}
			}
		}
		if err := claims.Put(claim, mine); err != nil {
			return Error.Wrap(err)
		}
		t.StoredKey = key
		t.StoredKeyHash = PathHash(key)
		t.UpdatedAt = s.now()
		return putJSON(b, id, &t)
	})
	return t, err
}

// PromoteTransfer turns a pending transfer into a stored object in one
// transaction: the stored object takes over the claimed key and the pending
// transfer is deleted.
func (s *Store) PromoteTransfer(id uint64) (obj StoredObject, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		var t PendingTransfer
		if err := getJSON(pending, id, "pending transfer", &t); err != nil {
			return err
		}
		if t.StoredKey == "" {
			return Invalid.New("pending transfer %d has no claimed key", id)
		}
		pair := pairKey(t.SourceObjectID, t.StorageProviderID)
		storedByPair := tx.Bucket(bucketStoredByPair)
		if storedByPair.Get(pair) != nil {
			return Conflict.New("source object %d is already stored in provider %d", t.SourceObjectID, t.StorageProviderID)
		}
		claims := tx.Bucket(bucketKeyClaims)
		claim := claimKey(t.StorageProviderID, t.StoredKey)
		if !bytes.Equal(claims.Get(claim), claimRef('p', t.ID)) {
			return Conflict.New("key %q is not held by pending transfer %d", t.StoredKey, t.ID)
		}

		stored := tx.Bucket(bucketStored)
		sid, err := stored.NextSequence()
		if err != nil {
			return Error.Wrap(err)
		}
		obj = StoredObject{
			ID:                sid,
			SourceObjectID:    t.SourceObjectID,
			StorageProviderID: t.StorageProviderID,
			Path:              t.StoredKey,
			PathHash:          PathHash(t.StoredKey),
			TransferAlgorithm: t.TransferAlgorithm,
			TransferValue:     t.TransferValue,
			PartSize:          t.PartSize,
			PartCount:         t.PartCount,
			CreatedAt:         s.now(),
		}
		if err := putJSON(stored, sid, &obj); err != nil {
			return err
		}
		if err := storedByPair.Put(pair, itob(sid)); err != nil {
			return Error.Wrap(err)
		}
		if err := claims.Put(claim, claimRef('s', sid)); err != nil {
			return Error.Wrap(err)
		}
		if err := tx.Bucket(bucketPendingByPair).Delete(pair); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(pending.Delete(itob(id)))
	})
	return obj, err
}

// DeletePendingTransfer removes a pending transfer and releases its key.
func (s *Store) DeletePendingTransfer(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		var t PendingTransfer
		if err := getJSON(b, id, "pending transfer", &t); err != nil {
			return err
		}
		if t.StoredKey != "" {
			claims := tx.Bucket(bucketKeyClaims)
			claim := claimKey(t.StorageProviderID, t.StoredKey)
			if bytes.Equal(claims.Get(claim), claimRef('p', t.ID)) {
				if err := claims.Delete(claim); err != nil {
					return Error.Wrap(err)
				}
			}
		}
		if err := tx.Bucket(bucketPendingByPair).Delete(pairKey(t.SourceObjectID, t.StorageProviderID)); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(b.Delete(itob(id)))
	})
}

// StoredObject loads a stored object by id.
func (s *Store) StoredObject(id uint64) (obj StoredObject, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketStored), id, "stored object", &obj)
	})
	return obj, err
}

// HasStoredObject reports whether the source object is stored in the provider.
func (s *Store) HasStoredObject(sourceID, providerID uint64) (bool, error) {
	return s.hasKey(bucketStoredByPair, pairKey(sourceID, providerID))
}

// StoredObjectFor loads the stored copy of a source object in a provider.
func (s *Store) StoredObjectFor(sourceID, providerID uint64) (obj StoredObject, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		sid := tx.Bucket(bucketStoredByPair).Get(pairKey(sourceID, providerID))
		if sid == nil {
			return NotFound.New("stored object for source %d in provider %d", sourceID, providerID)
		}
		return getJSON(tx.Bucket(bucketStored), btoi(sid), "stored object", &obj)
	})
	return obj, err
}

// BeginVerification starts a fixity verification for a stored object. If a
// pending verification already exists it is returned with started=false. A
// finished verification is deleted and replaced.
func (s *Store) BeginVerification(storedID uint64) (v FixityVerification, started bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		var obj StoredObject
		if err := getJSON(tx.Bucket(bucketStored), storedID, "stored object", &obj); err != nil {
			return err
		}
		b := tx.Bucket(bucketVerifications)
		byStored := tx.Bucket(bucketVerifByStoredObj)
		if raw := byStored.Get(itob(storedID)); raw != nil {
			if err := getJSON(b, btoi(raw), "fixity verification", &v); err != nil {
				return err
			}
			if !v.Status.Terminal() {
				return nil
			}
			if err := b.Delete(itob(v.ID)); err != nil {
				return Error.Wrap(err)
			}
		}
		id, err := b.NextSequence()
		if err != nil {
			return Error.Wrap(err)
		}
		v = FixityVerification{
			ID:             id,
			SourceObjectID: obj.SourceObjectID,
			StoredObjectID: storedID,
			Status:         VerificationPending,
			CreatedAt:      s.now(),
		}
		v.UpdatedAt = v.CreatedAt
		if err := putJSON(b, id, &v); err != nil {
			return err
		}
		started = true
		return Error.Wrap(byStored.Put(itob(storedID), itob(id)))
	})
	return v, started, err
}

// FinishVerification records the outcome of a verification.
func (s *Store) FinishVerification(id uint64, status VerificationStatus, message string) error {
	if !status.Terminal() {
		return Invalid.New("verification status %q is not terminal", status)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVerifications)
		var v FixityVerification
		if err := getJSON(b, id, "fixity verification", &v); err != nil {
			return err
		}
		v.Status = status
		v.ErrorMessage = message
		v.UpdatedAt = s.now()
		return putJSON(b, id, &v)
	})
}

// VerificationFor loads the verification of a stored object.
func (s *Store) VerificationFor(storedID uint64) (v FixityVerification, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVerifByStoredObj).Get(itob(storedID))
		if raw == nil {
			return NotFound.New("fixity verification for stored object %d", storedID)
		}
		return getJSON(tx.Bucket(bucketVerifications), btoi(raw), "fixity verification", &v)
	})
	return v, err
}

func (s *Store) hasKey(bucket, key []byte) (found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucket).Get(key) != nil
		return nil
	})
	return found, err
}

func getJSON(b *bolt.Bucket, id uint64, what string, out any) error {
	raw := b.Get(itob(id))
	if raw == nil {
		return NotFound.New("%s %d", what, id)
	}
	return Error.Wrap(json.Unmarshal(raw, out))
}

func putJSON(b *bolt.Bucket, id uint64, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(b.Put(itob(id), raw))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func pairKey(a, b uint64) []byte {
	return append(itob(a), itob(b)...)
}

func providerName(kind ProviderKind, container string) []byte {
	return append(itob(uint64(kind)), container...)
}

func claimKey(providerID uint64, key string) []byte {
	return append(itob(providerID), key...)
}

func claimRef(kind byte, id uint64) []byte {
	return append([]byte{kind}, itob(id)...)
}
