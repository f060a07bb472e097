package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/internal/queue"
)

func openStore(t *testing.T) *catalog.Store {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegister(t *testing.T) {
	store := openStore(t)
	q := &queue.Recorder{}
	r := NewRegistrar(store, q, slog.New(slog.DiscardHandler))
	root := writeTree(t)

	sum, err := r.Register(context.Background(), root, true)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Registered)
	assert.Equal(t, 0, sum.Existing)
	assert.Equal(t, int64(15), sum.Bytes)
	require.Len(t, sum.IDs, 2)

	obj, err := store.SourceObjectByPath(filepath.Join(root, "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), obj.Size)
	assert.False(t, obj.HasFixity())

	require.Len(t, q.Jobs, 2)
	for i, job := range q.Jobs {
		assert.Equal(t, queue.StageFixity, job.Stage)
		assert.Equal(t, sum.IDs[i], job.RecordID)
		assert.True(t, job.EnqueueSuccessor)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := openStore(t)
	q := &queue.Recorder{}
	r := NewRegistrar(store, q, slog.New(slog.DiscardHandler))
	root := writeTree(t)

	first, err := r.Register(context.Background(), root, false)
	require.NoError(t, err)
	assert.Empty(t, q.Jobs)

	_, err = store.SetFixity(first.IDs[0], checksum.SHA256, digest(checksum.SHA256, "x"))
	require.NoError(t, err)

	second, err := r.Register(context.Background(), root, true)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Registered)
	assert.Equal(t, 2, second.Existing)
	assert.Equal(t, first.IDs, second.IDs)

	require.Len(t, q.Jobs, 1, "only the object without fixity is queued")
	assert.Equal(t, first.IDs[1], q.Jobs[0].RecordID)

	all, err := store.SourceObjects()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRegisterMissingRoot(t *testing.T) {
	r := NewRegistrar(openStore(t), queue.Discard, slog.New(slog.DiscardHandler))

	_, err := r.Register(context.Background(), filepath.Join(t.TempDir(), "missing"), true)
	require.Error(t, err)
}

func TestRegisterStopsOnCancel(t *testing.T) {
	r := NewRegistrar(openStore(t), queue.Discard, slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := r.Register(ctx, writeTree(t), false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.Registered)
}

func registerOne(t *testing.T, store *catalog.Store, content string) catalog.SourceObject {
	t.Helper()
	path := filepath.Join(t.TempDir(), "object.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	obj := catalog.SourceObject{Path: path, Size: int64(len(content))}
	require.NoError(t, store.CreateSourceObject(&obj))
	return obj
}

func digest(alg checksum.Algorithm, data string) []byte {
	h := alg.New()
	h.Write([]byte(data))
	return h.Sum(nil)
}

func TestComputeFixity(t *testing.T) {
	store := openStore(t)
	q := &queue.Recorder{}
	stage := NewFixityStage(store, q, checksum.SHA256, slog.New(slog.DiscardHandler))
	obj := registerOne(t, store, "AAAAAAAAAA")

	got, err := stage.Compute(context.Background(), obj.ID, checksum.SHA256, false, true)
	require.NoError(t, err)
	assert.Equal(t, checksum.SHA256, got.FixityAlgorithm)
	assert.Equal(t, digest(checksum.SHA256, "AAAAAAAAAA"), got.FixityValue)

	stored, err := store.SourceObject(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, got.FixityValue, stored.FixityValue)

	require.Len(t, q.Jobs, 1)
	assert.Equal(t, queue.StagePrepare, q.Jobs[0].Stage)
	assert.Equal(t, obj.ID, q.Jobs[0].RecordID)
}

func TestComputeFixityKeepsExistingUnlessForced(t *testing.T) {
	store := openStore(t)
	stage := NewFixityStage(store, queue.Discard, checksum.SHA256, slog.New(slog.DiscardHandler))
	obj := registerOne(t, store, "AAAAAAAAAA")

	_, err := stage.Compute(context.Background(), obj.ID, checksum.SHA256, false, false)
	require.NoError(t, err)

	got, err := stage.Compute(context.Background(), obj.ID, checksum.MD5, false, false)
	require.NoError(t, err)
	assert.Equal(t, checksum.SHA256, got.FixityAlgorithm, "existing checksum kept")

	got, err = stage.Compute(context.Background(), obj.ID, checksum.MD5, true, false)
	require.NoError(t, err)
	assert.Equal(t, checksum.MD5, got.FixityAlgorithm)
	assert.Equal(t, digest(checksum.MD5, "AAAAAAAAAA"), got.FixityValue)
}

func TestComputeFixityEmptyFile(t *testing.T) {
	store := openStore(t)
	stage := NewFixityStage(store, queue.Discard, checksum.SHA256, slog.New(slog.DiscardHandler))
	obj := registerOne(t, store, "")

	got, err := stage.Compute(context.Background(), obj.ID, checksum.SHA256, false, false)
	require.NoError(t, err)
	assert.Equal(t, checksum.SHA256.EmptyValue(), got.FixityValue)
}

func TestComputeFixityRejectsChangedFile(t *testing.T) {
	store := openStore(t)
	q := &queue.Recorder{}
	stage := NewFixityStage(store, q, checksum.SHA256, slog.New(slog.DiscardHandler))
	obj := registerOne(t, store, "AAAAAAAAAA")
	require.NoError(t, os.WriteFile(obj.Path, []byte("AAAA"), 0o644))

	_, err := stage.Compute(context.Background(), obj.ID, checksum.SHA256, false, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed size")
	assert.Empty(t, q.Jobs)
}

func TestComputeFixityMissingObject(t *testing.T) {
	stage := NewFixityStage(openStore(t), queue.Discard, checksum.SHA256, slog.New(slog.DiscardHandler))

	_, err := stage.Compute(context.Background(), 42, checksum.SHA256, false, true)
	require.NoError(t, err)
}

func TestFixityHandle(t *testing.T) {
	store := openStore(t)
	stage := NewFixityStage(store, queue.Discard, checksum.CRC32C, slog.New(slog.DiscardHandler))
	obj := registerOne(t, store, "AAAAAAAAAA")

	job := queue.NewJob(queue.StageFixity, obj.ID, false)
	require.NoError(t, stage.Handle(context.Background(), job))

	stored, err := store.SourceObject(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, checksum.CRC32C, stored.FixityAlgorithm)
}
