// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package crypt

import (
	"context"

	"github.com/cipherstack/tde/internal/errors"
)

// StreamXOR XORs the counter keystream for (key, ivPrefix) into data, where
// data begins at absolute byte offset startOffset of the relation. Encryption
// and decryption are the same operation. A zero-length data is a no-op.
//
// The keystream byte applied to data[i] depends only on startOffset+i, never
// on where the caller began streaming: the in-block shift
// (startOffset mod BlockSize) is consumed from the first batch only. Every
// batch after the first is block-aligned by construction.
func StreamXOR(ctx context.Context, key, ivPrefix []byte, startOffset uint64, data []byte) error {
	const op = "crypt.StreamXOR"
	if len(data) == 0 {
		return nil
	}
	s, err := newCounterStream(ctx, key, ivPrefix)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}

	var (
		shift    = int(startOffset % BlockSize)
		aesStart = startOffset / BlockSize
		aesEnd   = (startOffset + uint64(len(data)) + BlockSize - 1) / BlockSize
		buf      [batchBlocks * BlockSize]byte
		written  int
	)

	for first := aesStart; first < aesEnd; first += batchBlocks {
		last := first + batchBlocks
		if last > aesEnd {
			last = aesEnd
		}
		ks := buf[:(last-first)*BlockSize]
		s.fill(ks, first, last)

		if first == aesStart {
			ks = ks[shift:]
		}
		n := len(data) - written
		if n > len(ks) {
			n = len(ks)
		}
		for i := 0; i < n; i++ {
			data[written+i] ^= ks[i]
		}
		written += n
	}
	return nil
}
