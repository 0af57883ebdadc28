// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(context.Background(), dir)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func collect(t *testing.T, l *Log, from LSN) []Record {
	t.Helper()
	var recs []Record
	err := l.Replay(context.Background(), from, func(_ context.Context, r Record) error {
		body := append([]byte(nil), r.Body...)
		recs = append(recs, Record{LSN: r.LSN, Tag: r.Tag, Body: body})
		return nil
	})
	require.NoError(t, err)
	return recs
}

func TestLog_AppendReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir)

	rec := AddRelationKey{Relation: 7, Wrapped: []byte("wrapped-blob")}
	lsn, err := l.Append(ctx, TagAddRelationKey, rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, LSN(0), lsn)

	rec2 := RemoveRelationKey{Relation: 7}
	lsn2, err := l.Append(ctx, TagRemoveRelationKey, rec2.Encode())
	require.NoError(t, err)
	assert.Greater(t, uint64(lsn2), uint64(lsn))
	require.NoError(t, l.Flush(ctx))

	recs := collect(t, l, 0)
	require.Len(t, recs, 2)
	assert.Equal(t, TagAddRelationKey, recs[0].Tag)
	got, err := DecodeAddRelationKey(ctx, recs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.Equal(t, TagRemoveRelationKey, recs[1].Tag)
}

func TestLog_ReplaySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l := openTestLog(t, dir)
	for i := uint64(0); i < 10; i++ {
		_, err := l.Append(ctx, TagAddRelationKey, AddRelationKey{Relation: i, Wrapped: []byte{byte(i)}}.Encode())
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush(ctx))
	end := l.End()
	require.NoError(t, l.Close())

	l2 := openTestLog(t, dir)
	assert.Equal(t, end, l2.End())
	assert.Len(t, collect(t, l2, 0), 10)
}

func TestLog_ReplayFromLSN(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir)

	var lsns []LSN
	for i := uint64(0); i < 5; i++ {
		lsn, err := l.Append(ctx, TagAddRelationKey, AddRelationKey{Relation: i, Wrapped: []byte{1}}.Encode())
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	require.NoError(t, l.Flush(ctx))

	recs := collect(t, l, lsns[3])
	require.Len(t, recs, 2)
	assert.Equal(t, lsns[3], recs[0].LSN)
}

func TestLog_TornTailEndsReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir)

	_, err := l.Append(ctx, TagAddRelationKey, AddRelationKey{Relation: 1, Wrapped: []byte("first")}.Encode())
	require.NoError(t, err)
	_, err = l.Append(ctx, TagAddRelationKey, AddRelationKey{Relation: 2, Wrapped: []byte("second")}.Encode())
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))
	require.NoError(t, l.Close())

	// Chop bytes off the last frame, as a crash mid-write would.
	path := filepath.Join(dir, logFileName)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-3))

	l2 := openTestLog(t, dir)
	recs := collect(t, l2, 0)
	require.Len(t, recs, 1)
	got, err := DecodeAddRelationKey(ctx, recs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Relation)
}

func TestLog_CorruptTailEndsReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir)

	_, err := l.Append(ctx, TagAddRelationKey, AddRelationKey{Relation: 1, Wrapped: []byte("first")}.Encode())
	require.NoError(t, err)
	lsn2, err := l.Append(ctx, TagAddRelationKey, AddRelationKey{Relation: 2, Wrapped: []byte("second")}.Encode())
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))
	require.NoError(t, l.Close())

	// Flip a byte inside the last frame's body: its CRC no longer matches
	// and replay must stop before it.
	path := filepath.Join(dir, logFileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[int(lsn2)+12] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	l2 := openTestLog(t, dir)
	recs := collect(t, l2, 0)
	require.Len(t, recs, 1)
}

func TestLog_Checkpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir)

	_, err := l.Append(ctx, TagAddRelationKey, AddRelationKey{Relation: 1, Wrapped: []byte{1}}.Encode())
	require.NoError(t, err)
	require.NoError(t, l.Flush(ctx))

	from, err := l.LastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, LSN(0), from)

	require.NoError(t, l.Checkpoint(ctx, l.End()))
	from, err = l.LastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, l.End(), from)
	assert.Empty(t, collect(t, l, from))
}

func TestLog_DamagedCheckpointIgnored(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openTestLog(t, dir)

	require.NoError(t, l.Checkpoint(ctx, 8))
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpointFileName), []byte("garbage"), 0o600))

	from, err := l.LastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, LSN(0), from)
}

func TestRecordCodecs(t *testing.T) {
	ctx := context.Background()

	t.Run("rotate principal", func(t *testing.T) {
		rec := RotatePrincipalKey{
			OldName: "p1",
			NewName: "p2",
			Rewraps: []Rewrap{
				{Relation: 1, Wrapped: []byte("a")},
				{Relation: 2, Wrapped: []byte("bb")},
			},
		}
		got, err := DecodeRotatePrincipalKey(ctx, rec.Encode())
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("write key provider", func(t *testing.T) {
		rec := WriteKeyProvider{
			ProviderID:  3,
			Name:        "vault-prod",
			Kind:        "vault",
			Endpoint:    "https://vault:8200",
			Credentials: []byte("sealed"),
			Deleted:     true,
		}
		got, err := DecodeWriteKeyProvider(ctx, rec.Encode())
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("truncated body", func(t *testing.T) {
		rec := AddPrincipalKey{ProviderID: 1, Name: "k"}
		body := rec.Encode()
		_, err := DecodeAddPrincipalKey(ctx, body[:len(body)-1])
		require.Error(t, err)
	})
}
