// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testEntry(relation uint64) *entry {
	e := &entry{Relation: relation, Type: KeyTypeSmgr, Flags: flagActive}
	for i := range e.Blob {
		e.Blob[i] = byte(relation) + byte(i)
	}
	return e
}

func TestMapFile_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tde.map")

	m, err := openMapFile(ctx, path, 0, true)
	require.NoError(t, err)

	var offs []int64
	for rel := uint64(1); rel <= 3; rel++ {
		off, ok, err := m.allocate(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, m.writeEntry(ctx, off, testEntry(rel)))
		offs = append(offs, off)
	}
	require.NoError(t, m.close())

	m2, err := openMapFile(ctx, path, 0, false)
	require.NoError(t, err)
	defer m2.close()
	for i, rel := range []uint64{1, 2, 3} {
		e, err := m2.readEntry(ctx, offs[i])
		require.NoError(t, err)
		assert.Equal(t, testEntry(rel), e)
	}
}

func TestMapFile_CorruptMagic(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tde.map")

	m, err := openMapFile(ctx, path, 0, true)
	require.NoError(t, err)
	require.NoError(t, m.close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[3] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = openMapFile(ctx, path, 0, false)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.MapCorruption), err))
	assert.Equal(t, int64(0), errors.Convert(err).Offset)
}

func TestMapFile_RejectsNonZeroReserved(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tde.map")

	m, err := openMapFile(ctx, path, 0, true)
	require.NoError(t, err)
	off, _, err := m.allocate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.writeEntry(ctx, off, testEntry(1)))
	require.NoError(t, m.close())

	// Scribble into the trailing reserved region of the entry.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x01}, off+70)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m2, err := openMapFile(ctx, path, 0, false)
	require.NoError(t, err)
	defer m2.close()
	_, err = m2.readEntry(ctx, off)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.MapCorruption), err))
	// The error points at the offending byte itself.
	assert.Equal(t, off+70, errors.Convert(err).Offset)
}

func TestMapFile_FreeListReuse(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tde.map")

	m, err := openMapFile(ctx, path, 0, true)
	require.NoError(t, err)
	defer m.close()

	var offs []int64
	for rel := uint64(1); rel <= 3; rel++ {
		off, _, err := m.allocate(ctx)
		require.NoError(t, err)
		require.NoError(t, m.writeEntry(ctx, off, testEntry(rel)))
		offs = append(offs, off)
	}

	require.NoError(t, m.release(ctx, offs[1]))
	n, err := m.entryCount(ctx)
	require.NoError(t, err)

	// The freed slot is handed out again instead of growing the file.
	off, ok, err := m.allocate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, offs[1], off)
	n2, err := m.entryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
}

func TestMapFile_ReleaseZeroizes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tde.map")

	m, err := openMapFile(ctx, path, 0, true)
	require.NoError(t, err)
	defer m.close()

	off, _, err := m.allocate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.writeEntry(ctx, off, testEntry(9)))
	require.NoError(t, m.release(ctx, off))

	raw := make([]byte, mapEntrySize)
	_, err = m.f.ReadAt(raw, off)
	require.NoError(t, err)
	// Everything past the free-list link must be zero: no wrapped key
	// material survives in a freed slot.
	for i := 8; i < mapEntrySize; i++ {
		require.Zero(t, raw[i], "byte %d not scrubbed", i)
	}
}

func TestMapFile_EntryLimit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tde.map")

	m, err := openMapFile(ctx, path, 2, true)
	require.NoError(t, err)
	defer m.close()

	for i := 0; i < 2; i++ {
		off, ok, err := m.allocate(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, m.writeEntry(ctx, off, testEntry(uint64(i+1))))
	}
	_, ok, err := m.allocate(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMapFile_MutationsTakeFileLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tde.map")

	m, err := openMapFile(ctx, path, 0, true)
	require.NoError(t, err)
	defer m.close()
	off, _, err := m.allocate(ctx)
	require.NoError(t, err)

	// A foreign handle holding the exclusive lock stalls mutations until it
	// lets go, as another process sharing the map file would.
	other, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, unix.Flock(int(other.Fd()), unix.LOCK_EX))

	done := make(chan error, 1)
	go func() { done <- m.writeEntry(ctx, off, testEntry(1)) }()

	select {
	case <-done:
		t.Fatal("write completed while the file lock was held elsewhere")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, unix.Flock(int(other.Fd()), unix.LOCK_UN))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not complete after the lock was released")
	}
}
