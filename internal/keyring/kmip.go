// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keyring

import (
	"context"

	"github.com/cipherstack/tde/internal/errors"
	kmip "github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipclient"
)

// kmipKeyring stores principal keys on a KMIP 1.x server over TLS. Put is a
// Register of a raw AES-256 symmetric key with usage Encrypt|Decrypt; fetch
// is Locate by name followed by Get.
type kmipKeyring struct {
	endpoint string
	creds    Credentials
}

func newKmipKeyring(ctx context.Context, endpoint string, creds Credentials) (*kmipKeyring, error) {
	const op = "keyring.newKmipKeyring"
	if endpoint == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing kmip address")
	}
	if creds.ClientCert == "" || creds.ClientKey == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing kmip client certificate")
	}
	return &kmipKeyring{endpoint: endpoint, creds: creds}, nil
}

func (k *kmipKeyring) Describe() Description {
	return Description{Kind: KindKmip, Endpoint: k.endpoint}
}

// dial opens a fresh connection; adapters are single-shot by contract and
// hold no client state between calls.
func (k *kmipKeyring) dial(ctx context.Context, op errors.Op) (*kmipclient.Client, error) {
	opts := []kmipclient.Option{
		kmipclient.WithClientCertFiles(k.creds.ClientCert, k.creds.ClientKey),
	}
	if k.creds.CaCert != "" {
		opts = append(opts, kmipclient.WithRootCAFile(k.creds.CaCert))
	}
	cl, err := kmipclient.Dial(k.endpoint, opts...)
	if err != nil {
		return nil, errors.New(ctx, errors.ProviderUnavailable, op, "could not connect to kmip server", errors.WithWrap(err))
	}
	return cl, nil
}

func (k *kmipKeyring) Put(ctx context.Context, name string, key []byte) error {
	const op = "keyring.(kmipKeyring).Put"
	cl, err := k.dial(ctx, op)
	if err != nil {
		return err
	}
	defer cl.Close()

	_, err = cl.Register().
		SymmetricKey(kmip.CryptographicAlgorithmAES, kmip.CryptographicUsageEncrypt|kmip.CryptographicUsageDecrypt, key).
		WithName(name).
		ExecContext(ctx)
	if err != nil {
		return errors.New(ctx, errors.ProviderUnavailable, op, "kmip register failed", errors.WithWrap(err))
	}
	return nil
}

func (k *kmipKeyring) Get(ctx context.Context, name string) ([]byte, error) {
	const op = "keyring.(kmipKeyring).Get"
	cl, err := k.dial(ctx, op)
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	id, err := k.locate(ctx, op, cl, name)
	if err != nil {
		return nil, err
	}
	resp, err := cl.Get(id).ExecContext(ctx)
	if err != nil {
		return nil, errors.New(ctx, errors.ProviderUnavailable, op, "kmip get failed", errors.WithWrap(err))
	}
	symKey, ok := resp.Object.(*kmip.SymmetricKey)
	if !ok {
		return nil, errors.New(ctx, errors.UnwrapFailed, op, "kmip object is not a symmetric key")
	}
	material, err := symKey.KeyMaterial()
	if err != nil {
		return nil, errors.New(ctx, errors.UnwrapFailed, op, "kmip key has no raw material", errors.WithWrap(err))
	}
	return material, nil
}

func (k *kmipKeyring) Locate(ctx context.Context, name string) (string, error) {
	const op = "keyring.(kmipKeyring).Locate"
	cl, err := k.dial(ctx, op)
	if err != nil {
		return "", err
	}
	defer cl.Close()
	return k.locate(ctx, op, cl, name)
}

func (k *kmipKeyring) locate(ctx context.Context, op errors.Op, cl *kmipclient.Client, name string) (string, error) {
	resp, err := cl.Locate().
		WithName(name).
		ExecContext(ctx)
	if err != nil {
		return "", errors.New(ctx, errors.ProviderUnavailable, op, "kmip locate failed", errors.WithWrap(err))
	}
	if len(resp.UniqueIdentifier) == 0 {
		return "", errors.New(ctx, errors.KeyNotFound, op, "no key named "+name)
	}
	return resp.UniqueIdentifier[0], nil
}

func (k *kmipKeyring) Delete(ctx context.Context, name string) error {
	const op = "keyring.(kmipKeyring).Delete"
	cl, err := k.dial(ctx, op)
	if err != nil {
		return err
	}
	defer cl.Close()

	id, err := k.locate(ctx, op, cl, name)
	if err != nil {
		return err
	}
	// Revocation is best effort; servers that require it before Destroy
	// will already be satisfied, the rest will not care.
	_, _ = cl.Revoke(id).WithRevocationReasonCode(kmip.RevocationReasonCodeCessationOfOperation).ExecContext(ctx)
	if _, err := cl.Destroy(id).ExecContext(ctx); err != nil {
		return errors.New(ctx, errors.ProviderUnavailable, op, "kmip destroy failed", errors.WithWrap(err))
	}
	return nil
}
