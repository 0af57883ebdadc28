// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package principal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/keyring"
	"github.com/cipherstack/tde/internal/wal"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSealer(t *testing.T) wrapping.Wrapper {
	t.Helper()
	ctx := context.Background()
	w := aead.NewWrapper()
	_, err := w.SetConfig(ctx, wrapping.WithKeyId("test"))
	require.NoError(t, err)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 100)
	}
	require.NoError(t, w.SetAesGcmKeyBytes(key))
	return w
}

func newTestManager(t *testing.T, opt ...Option) (*Manager, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	log, err := wal.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	reg, err := keyring.NewRegistry(ctx, dir, testSealer(t), log)
	require.NoError(t, err)
	_, err = reg.Add(ctx, "local", keyring.KindFile, filepath.Join(dir, "keys"), keyring.Credentials{})
	require.NoError(t, err)

	mgr, err := NewManager(ctx, dir, reg, log, opt...)
	require.NoError(t, err)
	return mgr, dir
}

// flakyKeyring fails a fixed number of Gets with a retryable error before
// handing out the key.
type flakyKeyring struct {
	failures int
	calls    int
	key      []byte
}

func (f *flakyKeyring) Put(context.Context, string, []byte) error { return nil }

func (f *flakyKeyring) Get(ctx context.Context, name string) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New(ctx, errors.ProviderUnavailable, "test.flaky", "down")
	}
	return f.key, nil
}

func (f *flakyKeyring) Locate(context.Context, string) (string, error) { return "", nil }
func (f *flakyKeyring) Delete(context.Context, string) error          { return nil }
func (f *flakyKeyring) Describe() keyring.Description {
	return keyring.Description{Kind: keyring.KindKmip, Endpoint: "test"}
}

func TestManager_CreateFetchActive(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	require.NoError(t, mgr.Create(ctx, "local", "p1"))
	assert.Equal(t, "p1", mgr.Active(), "first principal becomes active")

	key, err := mgr.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, key, PrincipalKeySize)

	require.NoError(t, mgr.Create(ctx, "local", "p2"))
	assert.Equal(t, "p1", mgr.Active(), "later principals do not steal active")
	assert.ElementsMatch(t, []string{"p1", "p2"}, mgr.List(ctx))

	prov, err := mgr.Provider(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "local", prov)
}

func TestManager_FetchRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, WithTimeout(10*time.Second), WithCacheTTL(0))
	require.NoError(t, mgr.Create(ctx, "local", "p1"))

	key := make([]byte, PrincipalKeySize)
	for i := range key {
		key[i] = 0x5a
	}
	flaky := &flakyKeyring{failures: 2, key: key}
	mgr.openKeyring = func(context.Context, *keyring.ProviderRecord) (keyring.Keyring, error) {
		return flaky, nil
	}
	mgr.Invalidate("p1")

	start := time.Now()
	got, err := mgr.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Equal(t, 3, flaky.calls)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestManager_FetchDoesNotRetryPermanentFailure(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, WithCacheTTL(0))
	require.NoError(t, mgr.Create(ctx, "local", "p1"))

	flaky := &flakyKeyring{failures: 0}
	mgr.openKeyring = func(ctx context.Context, _ *keyring.ProviderRecord) (keyring.Keyring, error) {
		flaky.calls++
		return nil, errors.New(ctx, errors.KeyAuthFailure, "test.flaky", "bad credentials")
	}
	mgr.Invalidate("p1")

	_, err := mgr.Fetch(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyAuthFailure), err))
	assert.Equal(t, 1, flaky.calls)
}

func TestManager_CacheServesWhileProviderDown(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, WithCacheTTL(time.Hour))
	require.NoError(t, mgr.Create(ctx, "local", "p1"))

	key, err := mgr.Fetch(ctx, "p1")
	require.NoError(t, err)

	// Cut the provider off entirely; the cached key keeps serving.
	mgr.openKeyring = func(ctx context.Context, _ *keyring.ProviderRecord) (keyring.Keyring, error) {
		return nil, errors.New(ctx, errors.ProviderUnavailable, "test.down", "down")
	}
	got, err := mgr.Fetch(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	mgr.Invalidate("p1")
	_, err = mgr.Fetch(ctx, "p1")
	require.Error(t, err)
}

func TestManager_WrapUnwrapRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Create(ctx, "local", "p1"))

	p := Payload{Type: 1, StartLSN: 77}
	for i := range p.Key {
		p.Key[i] = byte(i)
	}
	wrapped, err := mgr.WrapKey(ctx, "p1", p)
	require.NoError(t, err)

	got, err := mgr.UnwrapKey(ctx, "p1", wrapped)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestManager_ActiveSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mgr, dir := newTestManager(t)
	require.NoError(t, mgr.Create(ctx, "local", "p1"))
	require.NoError(t, mgr.Create(ctx, "local", "p2"))
	require.NoError(t, mgr.SetActive(ctx, "p2"))

	log, err := wal.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	reg, err := keyring.NewRegistry(ctx, dir, testSealer(t), log)
	require.NoError(t, err)

	mgr2, err := NewManager(ctx, dir, reg, log)
	require.NoError(t, err)
	assert.Equal(t, "p2", mgr2.Active())
	assert.ElementsMatch(t, []string{"p1", "p2"}, mgr2.List(ctx))
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Create(ctx, "local", "p1"))
	require.NoError(t, mgr.Delete(ctx, "p1"))

	assert.Empty(t, mgr.List(ctx))
	assert.Empty(t, mgr.Active())

	err := mgr.Delete(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))
}
