// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package tde

import (
	"context"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/keystore"
)

// CreateKey generates a data key for the relation, wrapped under
// principalName (the configured default, then the active principal, when
// empty). Creating a key for a relation that already has one fails.
func (t *TDE) CreateKey(ctx context.Context, relation uint64, principalName string) error {
	const op = "tde.(TDE).CreateKey"
	if principalName == "" {
		principalName = t.conf.DefaultPrincipalName
	}
	if _, err := t.store.Create(ctx, relation, keystore.KeyTypeSmgr, principalName); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// RotateKey replaces the relation's data key with a fresh one. Blocks
// written under the old key remain readable through DecryptRangeAt until the
// next checkpoint.
func (t *TDE) RotateKey(ctx context.Context, relation uint64) error {
	const op = "tde.(TDE).RotateKey"
	if _, err := t.store.Rotate(ctx, relation, ""); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// DeleteKey removes the relation's data key. The ciphertext it protected is
// unrecoverable once the slot is reclaimed.
func (t *TDE) DeleteKey(ctx context.Context, relation uint64) error {
	const op = "tde.(TDE).DeleteKey"
	if err := t.store.Delete(ctx, relation); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// HasKey reports whether the relation is encrypted. It never contacts a
// provider.
func (t *TDE) HasKey(ctx context.Context, relation uint64) (bool, error) {
	const op = "tde.(TDE).HasKey"
	ok, err := t.store.Has(ctx, relation)
	if err != nil {
		return false, errors.Wrap(ctx, err, op)
	}
	return ok, nil
}

// ListKeys returns the ids of every relation holding an active key.
func (t *TDE) ListKeys(ctx context.Context) ([]uint64, error) {
	const op = "tde.(TDE).ListKeys"
	rels, err := t.store.Relations(ctx)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return rels, nil
}

// CountKeys returns the number of relations holding storage keys.
func (t *TDE) CountKeys(ctx context.Context) (int, error) {
	const op = "tde.(TDE).CountKeys"
	n, err := t.store.Count(ctx)
	if err != nil {
		return 0, errors.Wrap(ctx, err, op)
	}
	return n, nil
}
