// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package keyring provides the key-provider adapters the principal-key
// manager fetches key material through. The set of adapters is closed: a
// local file, a KMIP server, and a vault-style HTTP service. Adapters are
// single-shot request/response and never cache; caching is the manager's job.
package keyring

import (
	"context"

	"github.com/cipherstack/tde/internal/errors"
)

// Kind discriminates the closed set of provider back-ends.
type Kind string

const (
	KindFile  Kind = "file"
	KindKmip  Kind = "kmip"
	KindVault Kind = "vault"
)

func (k Kind) valid() bool {
	switch k {
	case KindFile, KindKmip, KindVault:
		return true
	}
	return false
}

// Description identifies a keyring to operators.
type Description struct {
	Kind     Kind
	Endpoint string
}

// Keyring is the uniform capability set every provider back-end implements.
type Keyring interface {
	// Put stores key material under name.
	Put(ctx context.Context, name string, key []byte) error

	// Get returns the key material stored under name, or a KeyNotFound
	// error when the provider has no such key.
	Get(ctx context.Context, name string) ([]byte, error)

	// Locate returns the provider's identifier for name, or a KeyNotFound
	// error when the provider has no such key.
	Locate(ctx context.Context, name string) (string, error)

	// Delete removes the key material stored under name.
	Delete(ctx context.Context, name string) error

	// Describe reports the keyring's kind and endpoint.
	Describe() Description
}

// New builds the adapter for a provider record. The record's credentials
// must already be open (see Registry.OpenProvider).
func New(ctx context.Context, rec *ProviderRecord) (Keyring, error) {
	const op = "keyring.New"
	if rec == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing provider record")
	}
	switch rec.Kind {
	case KindFile:
		return newFileKeyring(ctx, rec.Endpoint)
	case KindKmip:
		return newKmipKeyring(ctx, rec.Endpoint, rec.Credentials)
	case KindVault:
		return newVaultKeyring(ctx, rec.Endpoint, rec.Credentials)
	default:
		return nil, errors.New(ctx, errors.InvalidParameter, op, "unknown provider kind "+string(rec.Kind))
	}
}
