// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package tde

import (
	"context"

	"github.com/cipherstack/tde/internal/crypt"
	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/keystore"
	"github.com/cipherstack/tde/internal/wal"
)

// EnsureWALKey returns the journal-encryption key, creating it on first use.
// The key is filed under a reserved relation id and wrapped like any other
// data key, so it survives principal rotation with the rest of the map.
func (t *TDE) EnsureWALKey(ctx context.Context) (*keystore.InternalKey, error) {
	const op = "tde.(TDE).EnsureWALKey"
	if !t.conf.WalEncrypt {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "journal encryption is not enabled")
	}
	k, err := t.store.Get(ctx, keystore.ReservedWALRelation)
	if err == nil {
		return k, nil
	}
	if !errors.Match(errors.T(errors.KeyNotFound), err) {
		return nil, errors.Wrap(ctx, err, op)
	}
	k, err = t.store.Create(ctx, keystore.ReservedWALRelation, keystore.KeyTypeGlobal, "")
	if err != nil {
		if errors.Match(errors.T(errors.Duplicate), err) {
			// Raced another creator; theirs wins.
			return t.store.Get(ctx, keystore.ReservedWALRelation)
		}
		return nil, errors.Wrap(ctx, err, op)
	}
	return k, nil
}

// RotateWALKey installs a fresh journal-encryption key. Segments written
// before the switch decrypt through DecryptWALRange with their start LSN.
func (t *TDE) RotateWALKey(ctx context.Context) error {
	const op = "tde.(TDE).RotateWALKey"
	if !t.conf.WalEncrypt {
		return errors.New(ctx, errors.InvalidParameter, op, "journal encryption is not enabled")
	}
	if _, err := t.store.Rotate(ctx, keystore.ReservedWALRelation, ""); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// EncryptWALRange encrypts a journal segment range in place under the
// current journal key. offset is the absolute byte position of data[0]
// within the segment stream.
func (t *TDE) EncryptWALRange(ctx context.Context, offset uint64, data []byte) error {
	const op = "tde.(TDE).EncryptWALRange"
	k, err := t.EnsureWALKey(ctx)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := crypt.StreamXOR(ctx, k.Key[:], k.BaseIV[:], offset, data); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// DecryptWALRange decrypts a journal segment range written when the journal
// stood at lsn, selecting the key version that was current then.
func (t *TDE) DecryptWALRange(ctx context.Context, offset uint64, lsn wal.LSN, data []byte) error {
	const op = "tde.(TDE).DecryptWALRange"
	if !t.conf.WalEncrypt {
		return errors.New(ctx, errors.InvalidParameter, op, "journal encryption is not enabled")
	}
	k, err := t.store.KeyForLSN(ctx, keystore.ReservedWALRelation, lsn)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := crypt.StreamXOR(ctx, k.Key[:], k.BaseIV[:], offset, data); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}
