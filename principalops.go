// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package tde

import (
	"context"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/keyring"
	"github.com/cipherstack/tde/internal/wal"
)

// AddProvider registers a key provider under name. Credentials are sealed
// with the bootstrap key before they touch disk.
func (t *TDE) AddProvider(ctx context.Context, name string, kind keyring.Kind, endpoint string, creds keyring.Credentials) error {
	const op = "tde.(TDE).AddProvider"
	if _, err := t.registry.Add(ctx, name, kind, endpoint, creds); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// ChangeProvider updates a provider's endpoint and credentials in place. The
// kind is immutable; keys stored through the old configuration must remain
// locatable through the new one.
func (t *TDE) ChangeProvider(ctx context.Context, name string, endpoint string, creds keyring.Credentials) error {
	const op = "tde.(TDE).ChangeProvider"
	if _, err := t.registry.Change(ctx, name, endpoint, creds); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// DeleteProvider unregisters a provider. It fails while any principal key
// still names the provider.
func (t *TDE) DeleteProvider(ctx context.Context, name string) error {
	const op = "tde.(TDE).DeleteProvider"
	for _, pk := range t.mgr.List(ctx) {
		if prov, err := t.mgr.Provider(ctx, pk); err == nil && prov == name {
			return errors.New(ctx, errors.InvalidParameter, op, "provider still holds principal key "+pk)
		}
	}
	if err := t.registry.Delete(ctx, name); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// ListProviders returns the registered providers, credentials omitted.
func (t *TDE) ListProviders(ctx context.Context) []*keyring.ProviderRecord {
	return t.registry.List(ctx)
}

// CreatePrincipal generates a principal key on the named provider and
// registers it. The first principal created becomes the active one.
func (t *TDE) CreatePrincipal(ctx context.Context, providerName, keyName string) error {
	const op = "tde.(TDE).CreatePrincipal"
	if err := t.mgr.Create(ctx, providerName, keyName); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// SetPrincipal marks keyName as the active wrapping principal for new data
// keys. It does not re-wrap existing entries; use RotatePrincipal for that.
func (t *TDE) SetPrincipal(ctx context.Context, keyName string) error {
	const op = "tde.(TDE).SetPrincipal"
	if err := t.mgr.SetActive(ctx, keyName); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// DeletePrincipal removes a principal key from the catalog. The provider's
// copy of the material is left alone.
func (t *TDE) DeletePrincipal(ctx context.Context, keyName string) error {
	const op = "tde.(TDE).DeletePrincipal"
	if err := t.mgr.Delete(ctx, keyName); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// ListPrincipals returns the catalogued principal key names.
func (t *TDE) ListPrincipals(ctx context.Context) []string {
	return t.mgr.List(ctx)
}

// ActivePrincipal returns the name of the active wrapping principal, or ""
// when none is configured.
func (t *TDE) ActivePrincipal() string {
	return t.mgr.Active()
}

// RotatePrincipal re-wraps every data key from oldName's principal key to
// newName's, atomically: the re-wrapped blobs are journaled in one record
// and applied only after the journal is durable, so a crash at any point
// replays to either the old state or the fully rotated one, never a mix.
// Plaintext data keys do not change; no relation data is re-encrypted.
func (t *TDE) RotatePrincipal(ctx context.Context, oldName, newName string) error {
	const op = "tde.(TDE).RotatePrincipal"
	if oldName == "" {
		oldName = t.mgr.Active()
	}
	if oldName == "" {
		return errors.New(ctx, errors.KeyNotFound, op, "no active principal to rotate from")
	}
	if newName == "" || newName == oldName {
		return errors.New(ctx, errors.InvalidParameter, op, "rotation needs a distinct new principal")
	}

	rewraps, release, err := t.store.PrepareRewrap(ctx, oldName, newName)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	defer release()

	rec := wal.RotatePrincipalKey{OldName: oldName, NewName: newName, Rewraps: rewraps}
	if _, err := t.log.Append(ctx, wal.TagRotatePrincipalKey, rec.Encode()); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := t.log.Flush(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}

	if err := t.store.CommitRewrap(ctx, rewraps); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := t.mgr.SetActive(ctx, newName); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	t.mgr.Invalidate(oldName)
	t.logger.Info("rotated principal key", "old", oldName, "new", newName, "rewrapped", len(rewraps))
	return nil
}
