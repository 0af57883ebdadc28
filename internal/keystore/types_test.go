// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keystore

import (
	"context"
	"testing"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrappedKeyCodec(t *testing.T) {
	ctx := context.Background()

	wik := &WrappedInternalKey{
		Relation:      77,
		Type:          KeyTypeSmgr,
		PrincipalName: "p1",
		StartLSN:      4096,
		Blob:          make([]byte, principal.WrappedSize),
	}
	for i := range wik.Blob {
		wik.Blob[i] = byte(i)
	}
	body := wik.EncodeWrapped()

	// The record body carries everything but the relation id; the decoder
	// stamps the id it is handed back onto the result.
	got, err := DecodeWrapped(ctx, wik.Relation, body)
	require.NoError(t, err)
	assert.Equal(t, wik, got)

	t.Run("wrong blob size", func(t *testing.T) {
		short := &WrappedInternalKey{Relation: 1, Type: KeyTypeSmgr, Blob: make([]byte, 16)}
		_, err := DecodeWrapped(ctx, 1, short.EncodeWrapped())
		require.Error(t, err)
		assert.True(t, errors.Match(errors.T(errors.WrapSizeMismatch), err))
	})

	t.Run("truncated body", func(t *testing.T) {
		_, err := DecodeWrapped(ctx, wik.Relation, body[:len(body)-1])
		require.Error(t, err)
		assert.True(t, errors.Match(errors.T(errors.WalSerialization), err))
	})
}
