// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/keyring"
	"github.com/cipherstack/tde/internal/principal"
	"github.com/cipherstack/tde/internal/wal"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	dir   string
	log   *wal.Log
	reg   *keyring.Registry
	mgr   *principal.Manager
	store *Store
}

func testSealer(t *testing.T) wrapping.Wrapper {
	t.Helper()
	ctx := context.Background()
	w := aead.NewWrapper()
	_, err := w.SetConfig(ctx, wrapping.WithKeyId("test"))
	require.NoError(t, err)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, w.SetAesGcmKeyBytes(key))
	return w
}

// newTestStack brings up a journal, a file-backed provider with one
// principal key, and an open store on top.
func newTestStack(t *testing.T) *testStack {
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

	mgr, err := principal.NewManager(ctx, dir, reg, log)
	require.NoError(t, err)
	require.NoError(t, mgr.Create(ctx, "local", "p1"))

	store, err := Open(ctx, dir, mgr, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &testStack{dir: dir, log: log, reg: reg, mgr: mgr, store: store}
}

func (s *testStack) reopenStore(t *testing.T) {
	t.Helper()
	require.NoError(t, s.store.Close())
	store, err := Open(context.Background(), s.dir, s.mgr, s.log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	s.store = store
}

func TestStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	created, err := s.store.Create(ctx, 42, KeyTypeSmgr, "")
	require.NoError(t, err)

	got, err := s.store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	// A reopened store rebuilds the key from disk through the provider.
	s.reopenStore(t)
	got2, err := s.store.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, created, got2)
}

func TestStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	_, err := s.store.Create(ctx, 1, KeyTypeSmgr, "")
	require.NoError(t, err)
	_, err = s.store.Create(ctx, 1, KeyTypeSmgr, "")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.Duplicate), err))
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	_, err := s.store.Get(ctx, 404)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))
}

func TestStore_CreateRejectsForeignPrincipal(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	_, err := s.store.Create(ctx, 1, KeyTypeSmgr, "p2")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.InvalidParameter), err))
}

func TestStore_DeleteAndReclaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	_, err := s.store.Create(ctx, 5, KeyTypeSmgr, "")
	require.NoError(t, err)
	require.NoError(t, s.store.Delete(ctx, 5))

	_, err = s.store.Get(ctx, 5)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))

	// Deleting again fails: the entry is already tombstoned.
	err = s.store.Delete(ctx, 5)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))

	require.NoError(t, s.store.Reclaim(ctx))
	_, err = s.store.Create(ctx, 5, KeyTypeSmgr, "")
	require.NoError(t, err)
}

func TestStore_Rotate(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	old, err := s.store.Create(ctx, 7, KeyTypeSmgr, "")
	require.NoError(t, err)

	// Advance the journal so the new key's start is distinguishable.
	_, err = s.store.Create(ctx, 8, KeyTypeSmgr, "")
	require.NoError(t, err)

	fresh, err := s.store.Rotate(ctx, 7, "")
	require.NoError(t, err)
	assert.NotEqual(t, old.Key, fresh.Key)
	assert.Greater(t, uint64(fresh.StartLSN), uint64(old.StartLSN))

	// Blocks stamped before the switch still resolve to the old key.
	k, err := s.store.KeyForLSN(ctx, 7, old.StartLSN)
	require.NoError(t, err)
	assert.Equal(t, old.Key, k.Key)

	// A block stamped at the journal position the rotation started from was
	// written under the outgoing key: the tie goes to the predecessor.
	k, err = s.store.KeyForLSN(ctx, 7, fresh.StartLSN)
	require.NoError(t, err)
	assert.Equal(t, old.Key, k.Key)

	// Anything stamped after the rotation record picks the fresh key.
	k, err = s.store.KeyForLSN(ctx, 7, s.log.End())
	require.NoError(t, err)
	assert.Equal(t, fresh.Key, k.Key)

	got, err := s.store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, fresh.Key, got.Key)
}

func TestStore_HasCountRelations(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	for rel := uint64(1); rel <= 3; rel++ {
		_, err := s.store.Create(ctx, rel, KeyTypeSmgr, "")
		require.NoError(t, err)
	}
	_, err := s.store.Create(ctx, ReservedWALRelation, KeyTypeGlobal, "")
	require.NoError(t, err)

	ok, err := s.store.Has(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.store.Has(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)

	// Global keys are not counted as encrypted relations.
	n, err := s.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rels, err := s.store.Relations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2, 3, ReservedWALRelation}, rels)
}

func TestStore_ApplyAddIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	created, err := s.store.Create(ctx, 11, KeyTypeSmgr, "")
	require.NoError(t, err)

	// Re-applying the journaled add, as replay after a crash would, must
	// not duplicate the entry or change the key.
	var rec wal.AddRelationKey
	err = s.log.Replay(ctx, 0, func(_ context.Context, r wal.Record) error {
		if r.Tag == wal.TagAddRelationKey {
			decoded, err := wal.DecodeAddRelationKey(ctx, r.Body)
			if err != nil {
				return err
			}
			if decoded.Relation == 11 {
				rec = decoded
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(11), rec.Relation)

	require.NoError(t, s.store.ApplyAdd(ctx, rec))
	require.NoError(t, s.store.ApplyAdd(ctx, rec))

	n, err := s.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := s.store.Get(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestStore_ApplyRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	_, err := s.store.Create(ctx, 12, KeyTypeSmgr, "")
	require.NoError(t, err)

	rec := wal.RemoveRelationKey{Relation: 12}
	require.NoError(t, s.store.ApplyRemove(ctx, rec))
	require.NoError(t, s.store.ApplyRemove(ctx, rec))
	require.NoError(t, s.store.ApplyRemove(ctx, wal.RemoveRelationKey{Relation: 9999}))

	ok, err := s.store.Has(ctx, 12)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PrincipalRotationKeepsKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	require.NoError(t, s.mgr.Create(ctx, "local", "p2"))

	var before []*InternalKey
	for rel := uint64(1); rel <= 4; rel++ {
		k, err := s.store.Create(ctx, rel, KeyTypeSmgr, "")
		require.NoError(t, err)
		before = append(before, k)
	}

	rewraps, release, err := s.store.PrepareRewrap(ctx, "p1", "p2")
	require.NoError(t, err)
	require.Len(t, rewraps, 4)
	require.NoError(t, s.store.CommitRewrap(ctx, rewraps))
	release()
	require.NoError(t, s.mgr.SetActive(ctx, "p2"))

	// Plaintext data keys are unchanged: a cold store unwraps the same
	// keys through the new principal.
	s.reopenStore(t)
	for i, rel := range []uint64{1, 2, 3, 4} {
		k, err := s.store.Get(ctx, rel)
		require.NoError(t, err)
		assert.Equal(t, before[i], k, "relation %d", rel)
	}
}

func TestStore_SpillsIntoOverflow(t *testing.T) {
	ctx := context.Background()
	s := newTestStack(t)

	// Shrink the primary so the spill happens without thousands of writes.
	s.store.primary.limit = 2

	for rel := uint64(1); rel <= 5; rel++ {
		_, err := s.store.Create(ctx, rel, KeyTypeSmgr, "")
		require.NoError(t, err)
	}
	require.NotNil(t, s.store.overflow)

	n, err := s.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for rel := uint64(1); rel <= 5; rel++ {
		_, err := s.store.Get(ctx, rel)
		require.NoError(t, err)
	}
}
