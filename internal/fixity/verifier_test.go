package fixity

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/coldvault/internal/catalog"
	"github.com/sheerbytes/coldvault/internal/checksum"
	"github.com/sheerbytes/coldvault/internal/config"
	"github.com/sheerbytes/coldvault/internal/queue"
)

type fakeTransport struct {
	res  Result
	err  error
	reqs []Request
}

func (f *fakeTransport) Check(_ context.Context, req Request) (Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type verifyFixture struct {
	store       *catalog.Store
	sync        *fakeTransport
	longRunning *fakeTransport
	verifier    *Verifier
	sum         []byte
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := checksum.SHA256.New()
	h.Write([]byte("AAAAAAAAAA"))

	f := &verifyFixture{
		store:       store,
		sync:        &fakeTransport{},
		longRunning: &fakeTransport{},
		sum:         h.Sum(nil),
	}
	f.verifier = NewVerifier(store, f.sync, f.longRunning, slog.New(slog.DiscardHandler))
	f.verifier.SyncSizeThreshold = 100
	return f
}

// stored registers a source object of the given size and stores it in a
// provider of kind.
func (f *verifyFixture) stored(t *testing.T, kind catalog.ProviderKind, path string, size int64) catalog.StoredObject {
	t.Helper()
	src := catalog.SourceObject{Path: path, Size: size, FixityAlgorithm: checksum.SHA256, FixityValue: f.sum}
	require.NoError(t, f.store.CreateSourceObject(&src))
	provider, err := f.store.EnsureStorageProvider(kind, "bucket")
	require.NoError(t, err)

	crc := checksum.CRC32C.New()
	crc.Write([]byte("AAAAAAAAAA"))
	pt := catalog.PendingTransfer{
		SourceObjectID:    src.ID,
		StorageProviderID: provider.ID,
		TransferAlgorithm: checksum.CRC32C,
		TransferValue:     crc.Sum(nil),
	}
	require.NoError(t, f.store.CreatePendingTransfer(&pt))
	_, err = f.store.ClaimKey(pt.ID, "x"+path)
	require.NoError(t, err)
	obj, err := f.store.PromoteTransfer(pt.ID)
	require.NoError(t, err)
	return obj
}

func TestVerifySuccess(t *testing.T) {
	f := newVerifyFixture(t)
	obj := f.stored(t, catalog.KindAWS, "/data/a.tif", 10)
	f.sync.res = Result{ChecksumHex: checksum.Hex(f.sum), Size: 10}

	v, err := f.verifier.Verify(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VerificationSuccess, v.Status)
	assert.Empty(t, v.ErrorMessage)

	require.Len(t, f.sync.reqs, 1)
	assert.Equal(t, Request{Bucket: "bucket", Key: "x/data/a.tif", Algorithm: checksum.SHA256}, f.sync.reqs[0])
	assert.Empty(t, f.longRunning.reqs)

	recorded, err := f.store.VerificationFor(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VerificationSuccess, recorded.Status)
}

func TestVerifyOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		res         Result
		matchSum    bool
		err         error
		wantMessage string
	}{
		{
			name:        "checksum mismatch",
			res:         Result{ChecksumHex: "00", Size: 10},
			wantMessage: MismatchMessage,
		},
		{
			name:        "size mismatch",
			res:         Result{Size: 11},
			matchSum:    true,
			wantMessage: MismatchMessage,
		},
		{
			name:        "remote error",
			res:         Result{ErrorMessage: "NoSuchKey"},
			wantMessage: "NoSuchKey",
		},
		{
			name:        "stall",
			err:         ErrStallTimeout,
			wantMessage: "An unexpected error occurred: timed out while waiting for a response",
		},
		{
			name:        "transport error",
			err:         errors.New("dial tcp: connection refused"),
			wantMessage: "An unexpected error occurred: dial tcp: connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newVerifyFixture(t)
			obj := f.stored(t, catalog.KindAWS, "/data/a.tif", 10)
			f.sync.res, f.sync.err = tt.res, tt.err
			if tt.matchSum {
				f.sync.res.ChecksumHex = checksum.Hex(f.sum)
			}

			v, err := f.verifier.Verify(context.Background(), obj.ID)
			require.NoError(t, err)
			assert.Equal(t, catalog.VerificationFailure, v.Status)
			assert.Equal(t, tt.wantMessage, v.ErrorMessage)

			recorded, err := f.store.VerificationFor(obj.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMessage, recorded.ErrorMessage)
		})
	}
}

func TestVerifyLargeObjectUsesLongRunningTransport(t *testing.T) {
	f := newVerifyFixture(t)
	obj := f.stored(t, catalog.KindAWS, "/data/big.tif", 100)
	f.longRunning.res = Result{ChecksumHex: checksum.Hex(f.sum), Size: 100}

	v, err := f.verifier.Verify(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VerificationSuccess, v.Status)
	assert.Len(t, f.longRunning.reqs, 1)
	assert.Empty(t, f.sync.reqs)
}

func TestVerifySkipsOtherProviders(t *testing.T) {
	f := newVerifyFixture(t)
	obj := f.stored(t, catalog.KindGCP, "/data/a.tif", 10)

	v, err := f.verifier.Verify(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Empty(t, f.sync.reqs)

	_, err = f.store.VerificationFor(obj.ID)
	assert.True(t, catalog.IsNotFound(err))
}

func TestVerifySkipsPendingVerification(t *testing.T) {
	f := newVerifyFixture(t)
	obj := f.stored(t, catalog.KindAWS, "/data/a.tif", 10)
	pending, started, err := f.store.BeginVerification(obj.ID)
	require.NoError(t, err)
	require.True(t, started)

	v, err := f.verifier.Verify(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Empty(t, f.sync.reqs)

	recorded, err := f.store.VerificationFor(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, recorded.ID)
	assert.Equal(t, catalog.VerificationPending, recorded.Status)
}

func TestVerifyReplacesFinishedVerification(t *testing.T) {
	f := newVerifyFixture(t)
	obj := f.stored(t, catalog.KindAWS, "/data/a.tif", 10)
	f.sync.res = Result{ErrorMessage: "temporarily unavailable"}

	first, err := f.verifier.Verify(context.Background(), obj.ID)
	require.NoError(t, err)
	require.Equal(t, catalog.VerificationFailure, first.Status)

	f.sync.res = Result{ChecksumHex: checksum.Hex(f.sum), Size: 10}
	second, err := f.verifier.Verify(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.VerificationSuccess, second.Status)
	assert.NotEqual(t, first.ID, second.ID)

	recorded, err := f.store.VerificationFor(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, recorded.ID)
}

func TestVerifyMissingStoredObject(t *testing.T) {
	f := newVerifyFixture(t)

	v, err := f.verifier.Verify(context.Background(), 99)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestVerifyHandle(t *testing.T) {
	f := newVerifyFixture(t)
	obj := f.stored(t, catalog.KindAWS, "/data/a.tif", 10)
	f.sync.res = Result{ChecksumHex: checksum.Hex(f.sum), Size: 10}

	require.NoError(t, f.verifier.Handle(context.Background(), queue.NewJob(queue.StageVerify, obj.ID, false)))
	assert.Len(t, f.sync.reqs, 1)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.FixityConfig{
		HTTPBaseURL:          "http://fixity.local",
		WSURL:                "ws://fixity.local/cable",
		AuthToken:            "token",
		LongRunningTransport: config.TransportWebsocket,
		StallTimeout:         30 * time.Second,
		SyncSizeThreshold:    1 << 20,
	}
	v := NewFromConfig(nil, cfg, slog.New(slog.DiscardHandler))
	assert.IsType(t, &SyncHTTP{}, v.sync)
	require.IsType(t, &Cable{}, v.longRunning)
	assert.Equal(t, cfg.StallTimeout, v.longRunning.(*Cable).StallTimeout)
	assert.Equal(t, int64(1<<20), v.SyncSizeThreshold)

	cfg.LongRunningTransport = config.TransportPolling
	cfg.PollInterval = 5 * time.Second
	cfg.MaxWait = time.Minute
	v = NewFromConfig(nil, cfg, slog.New(slog.DiscardHandler))
	require.IsType(t, &Polling{}, v.longRunning)
	p := v.longRunning.(*Polling)
	assert.Equal(t, cfg.PollInterval, p.Interval)
	assert.Equal(t, cfg.MaxWait, p.MaxWait)
}
