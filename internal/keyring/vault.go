// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keyring

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"strings"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/hashicorp/go-retryablehttp"
	vault "github.com/hashicorp/vault/api"
)

// vaultKeyring stores principal keys in a vault-style HTTP secrets engine:
// PUT/GET /v1/{mount}/{name} with a bearer token. The secret payload is a
// single "key" field holding the base64 key material.
type vaultKeyring struct {
	cl       *vault.Client
	endpoint string
	mount    string
}

func newVaultKeyring(ctx context.Context, endpoint string, creds Credentials) (*vaultKeyring, error) {
	const op = "keyring.newVaultKeyring"
	if endpoint == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing vault address")
	}
	if creds.Token == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing vault token")
	}
	mount := creds.Mount
	if mount == "" {
		mount = "secret"
	}

	vc := vault.DefaultConfig()
	vc.Address = endpoint
	// Transient failures are retried by the principal-key manager with its
	// own backoff ceiling, not by the HTTP layer.
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	vc.HttpClient = rc.StandardClient()
	vc.MaxRetries = 0

	cl, err := vault.NewClient(vc)
	if err != nil {
		return nil, errors.New(ctx, errors.ProviderUnavailable, op, "could not build vault client", errors.WithWrap(err))
	}
	cl.SetToken(creds.Token)

	return &vaultKeyring{
		cl:       cl,
		endpoint: endpoint,
		mount:    strings.Trim(mount, "/"),
	}, nil
}

func (k *vaultKeyring) Describe() Description {
	return Description{Kind: KindVault, Endpoint: k.endpoint}
}

func (k *vaultKeyring) secretPath(name string) string {
	return k.mount + "/" + name
}

// vaultErr maps a vault client error onto the provider taxonomy.
func vaultErr(ctx context.Context, op errors.Op, err error) error {
	var respErr *vault.ResponseError
	if stderrors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 401, 403:
			return errors.New(ctx, errors.KeyAuthFailure, op, "vault rejected token", errors.WithWrap(err))
		case 404:
			return errors.New(ctx, errors.KeyNotFound, op, "secret does not exist", errors.WithWrap(err))
		}
	}
	return errors.New(ctx, errors.ProviderUnavailable, op, "vault request failed", errors.WithWrap(err))
}

func (k *vaultKeyring) Put(ctx context.Context, name string, key []byte) error {
	const op = "keyring.(vaultKeyring).Put"
	_, err := k.cl.Logical().WriteWithContext(ctx, k.secretPath(name), map[string]any{
		"key": base64.StdEncoding.EncodeToString(key),
	})
	if err != nil {
		return vaultErr(ctx, op, err)
	}
	return nil
}

func (k *vaultKeyring) Get(ctx context.Context, name string) ([]byte, error) {
	const op = "keyring.(vaultKeyring).Get"
	sec, err := k.cl.Logical().ReadWithContext(ctx, k.secretPath(name))
	if err != nil {
		return nil, vaultErr(ctx, op, err)
	}
	if sec == nil || sec.Data == nil {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no secret named "+name)
	}
	enc, ok := sec.Data["key"].(string)
	if !ok {
		return nil, errors.New(ctx, errors.UnwrapFailed, op, "secret has no key field")
	}
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, errors.New(ctx, errors.UnwrapFailed, op, "secret key field is not valid base64", errors.WithWrap(err))
	}
	return key, nil
}

func (k *vaultKeyring) Locate(ctx context.Context, name string) (string, error) {
	const op = "keyring.(vaultKeyring).Locate"
	sec, err := k.cl.Logical().ReadWithContext(ctx, k.secretPath(name))
	if err != nil {
		return "", vaultErr(ctx, op, err)
	}
	if sec == nil || sec.Data == nil {
		return "", errors.New(ctx, errors.KeyNotFound, op, "no secret named "+name)
	}
	return k.secretPath(name), nil
}

func (k *vaultKeyring) Delete(ctx context.Context, name string) error {
	const op = "keyring.(vaultKeyring).Delete"
	if _, err := k.cl.Logical().DeleteWithContext(ctx, k.secretPath(name)); err != nil {
		return vaultErr(ctx, op, err)
	}
	return nil
}
