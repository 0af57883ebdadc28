// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keyring

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cipherstack/tde/internal/errors"
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
		key[i] = byte(i * 3)
	}
	require.NoError(t, w.SetAesGcmKeyBytes(key))
	return w
}

func newTestRegistry(t *testing.T) (*Registry, string, *wal.Log) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	log, err := wal.Open(ctx, dir)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	reg, err := NewRegistry(ctx, dir, testSealer(t), log)
	require.NoError(t, err)
	return reg, dir, log
}

func TestRegistry_AddLookup(t *testing.T) {
	ctx := context.Background()
	reg, dir, _ := newTestRegistry(t)

	rec, err := reg.Add(ctx, "local", KindFile, filepath.Join(dir, "keys"), Credentials{})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	got, err := reg.Lookup(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, KindFile, got.Kind)

	byID, err := reg.LookupID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "local", byID.Name)

	_, err = reg.Lookup(ctx, "nope")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))
}

func TestRegistry_AddValidation(t *testing.T) {
	ctx := context.Background()
	reg, dir, _ := newTestRegistry(t)

	tests := []struct {
		name     string
		provName string
		kind     Kind
		endpoint string
		creds    Credentials
	}{
		{"missing name", "", KindFile, "/tmp/k", Credentials{}},
		{"unknown kind", "p", Kind("s3"), "e", Credentials{}},
		{"missing endpoint", "p", KindFile, "", Credentials{}},
		{"vault without token", "p", KindVault, "https://v:8200", Credentials{}},
		{"kmip without certs", "p", KindKmip, "kmip:5696", Credentials{}},
		{"file with credentials", "p", KindFile, "/tmp/k", Credentials{Token: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Add(ctx, tt.provName, tt.kind, tt.endpoint, tt.creds)
			require.Error(t, err)
			assert.True(t, errors.Match(errors.T(errors.InvalidParameter), err))
		})
	}

	_, err := reg.Add(ctx, "dup", KindFile, filepath.Join(dir, "keys"), Credentials{})
	require.NoError(t, err)
	_, err = reg.Add(ctx, "dup", KindFile, filepath.Join(dir, "keys"), Credentials{})
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.Duplicate), err))
}

func TestRegistry_ChangeKeepsKindAndID(t *testing.T) {
	ctx := context.Background()
	reg, dir, _ := newTestRegistry(t)

	rec, err := reg.Add(ctx, "local", KindFile, filepath.Join(dir, "keys"), Credentials{})
	require.NoError(t, err)

	changed, err := reg.Change(ctx, "local", filepath.Join(dir, "keys2"), Credentials{})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, changed.ID)
	assert.Equal(t, KindFile, changed.Kind)
	assert.Equal(t, filepath.Join(dir, "keys2"), changed.Endpoint)
}

func TestRegistry_Delete(t *testing.T) {
	ctx := context.Background()
	reg, dir, _ := newTestRegistry(t)

	_, err := reg.Add(ctx, "local", KindFile, filepath.Join(dir, "keys"), Credentials{})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, "local"))

	_, err = reg.Lookup(ctx, "local")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))
	assert.Empty(t, reg.List(ctx))

	// The name can be registered again after deletion.
	_, err = reg.Add(ctx, "local", KindFile, filepath.Join(dir, "keys"), Credentials{})
	require.NoError(t, err)
}

func TestRegistry_CredentialsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	reg, dir, _ := newTestRegistry(t)

	const token = "s.supersecrettoken"
	_, err := reg.Add(ctx, "vlt", KindVault, "https://vault:8200", Credentials{Token: token})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, registryFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), token)
}

func TestRegistry_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	reg, dir, log := newTestRegistry(t)

	_, err := reg.Add(ctx, "vlt", KindVault, "https://vault:8200", Credentials{Token: "tok"})
	require.NoError(t, err)
	_, err = reg.Add(ctx, "local", KindFile, filepath.Join(dir, "keys"), Credentials{})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, "local"))

	reg2, err := NewRegistry(ctx, dir, testSealer(t), log)
	require.NoError(t, err)

	list := reg2.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "vlt", list[0].Name)

	// Opening the provider unseals the stored credentials.
	ring, err := reg2.Open(ctx, "vlt")
	require.NoError(t, err)
	assert.Equal(t, KindVault, ring.Describe().Kind)
}

func TestFileKeyring_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keys")
	ring, err := newFileKeyring(ctx, path)
	require.NoError(t, err)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, ring.Put(ctx, "p1", key))
	require.NoError(t, ring.Put(ctx, "p2", []byte{0xff}))

	got, err := ring.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, key, got)

	id, err := ring.Locate(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "p2", id)

	require.NoError(t, ring.Delete(ctx, "p1"))
	_, err = ring.Get(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))

	// p2 is untouched by p1's deletion.
	_, err = ring.Get(ctx, "p2")
	require.NoError(t, err)
}

func TestFileKeyring_MissingFile(t *testing.T) {
	ctx := context.Background()
	ring, err := newFileKeyring(ctx, filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)

	_, err = ring.Get(ctx, "p1")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.KeyNotFound), err))
}
