// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package crypt implements the keystream generator used for page encryption.
// A data key and a random IV prefix define an AES-128 counter stream indexed
// by absolute block number, so any byte range of a relation can be encrypted
// or decrypted in isolation, without reading neighbouring ciphertext.
package crypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/cipherstack/tde/internal/errors"
)

const (
	// BlockSize is the AES block size; one counter value produces this many
	// keystream bytes.
	BlockSize = 16

	// batchBlocks is the maximum number of counter blocks generated per
	// primitive call. 200 blocks (3200 bytes) keeps the keystream buffer
	// small while amortizing the per-call overhead.
	batchBlocks = 200
)

type counterStream struct {
	block    cipher.Block
	ivPrefix [BlockSize]byte
}

func newCounterStream(ctx context.Context, key, ivPrefix []byte) (*counterStream, error) {
	const op = "crypt.newCounterStream"
	if len(ivPrefix) != BlockSize {
		return nil, errors.New(ctx, errors.CryptoFault, op, "iv prefix must be one block")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.New(ctx, errors.CryptoInit, op, "aes key schedule setup failed", errors.WithWrap(err))
	}
	s := &counterStream{block: block}
	copy(s.ivPrefix[:], ivPrefix)
	return s, nil
}

// fill writes the keystream for counter blocks [first, last) into dst, which
// must be at least (last-first)*BlockSize bytes. The counter for block i is
// the IV prefix with the big-endian encoding of i XORed into its low 8 bytes.
func (s *counterStream) fill(dst []byte, first, last uint64) {
	for n := first; n < last; n++ {
		out := dst[(n-first)*BlockSize:]
		copy(out[:BlockSize], s.ivPrefix[:])
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], n)
		for i := 0; i < 8; i++ {
			out[BlockSize-8+i] ^= ctr[i]
		}
		s.block.Encrypt(out[:BlockSize], out[:BlockSize])
	}
}

// EncryptCounterBlocks produces the raw keystream for counter blocks
// [first, last) under key and ivPrefix. The output is bit-identical however
// the range is split: the concatenation of [0,200) and [200,400) equals
// [0,400) exactly.
func EncryptCounterBlocks(ctx context.Context, key, ivPrefix []byte, first, last uint64) ([]byte, error) {
	const op = "crypt.EncryptCounterBlocks"
	if last < first {
		return nil, errors.New(ctx, errors.CryptoFault, op, "counter range is inverted")
	}
	s, err := newCounterStream(ctx, key, ivPrefix)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	out := make([]byte, (last-first)*BlockSize)
	s.fill(out, first, last)
	return out, nil
}
