// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package tde

import (
	"context"

	"github.com/cipherstack/tde/internal/crypt"
	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/wal"
)

// EncryptRange encrypts data in place. offset is the absolute byte position
// of data[0] within the relation's storage, so any sub-range of a block can
// be processed independently and the result is identical to encrypting the
// whole relation in one call.
func (t *TDE) EncryptRange(ctx context.Context, relation uint64, offset uint64, data []byte) error {
	const op = "tde.(TDE).EncryptRange"
	k, err := t.store.Get(ctx, relation)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := crypt.StreamXOR(ctx, k.Key[:], k.BaseIV[:], offset, data); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// DecryptRange decrypts data in place. The keystream XOR is its own inverse,
// so this is EncryptRange under the relation's active key.
func (t *TDE) DecryptRange(ctx context.Context, relation uint64, offset uint64, data []byte) error {
	const op = "tde.(TDE).DecryptRange"
	if err := t.EncryptRange(ctx, relation, offset, data); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// DecryptRangeAt decrypts data written when the journal stood at lsn. During
// the grace window after a key rotation this selects the retired key for
// blocks stamped before the switch.
func (t *TDE) DecryptRangeAt(ctx context.Context, relation uint64, offset uint64, lsn wal.LSN, data []byte) error {
	const op = "tde.(TDE).DecryptRangeAt"
	k, err := t.store.KeyForLSN(ctx, relation, lsn)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := crypt.StreamXOR(ctx, k.Key[:], k.BaseIV[:], offset, data); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}
