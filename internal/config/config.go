// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package config parses the tde configuration block and the bootstrap
// environment.
package config

import (
	"context"
	"encoding/hex"
	"os"
	"time"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl"
	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultProviderCacheSeconds = 60
	DefaultProviderTimeout      = 30 * time.Second
)

// Config is the parsed tde block.
type Config struct {
	// DataDir holds the key map, journal and provider catalog.
	DataDir string `hcl:"data_dir"`

	// DefaultPrincipalName is the principal new relation keys are wrapped
	// under when the caller does not name one.
	DefaultPrincipalName string `hcl:"default_principal_name"`

	// WalEncrypt turns on encryption of the journal payloads themselves.
	WalEncrypt    bool        `hcl:"-"`
	WalEncryptRaw interface{} `hcl:"wal_encrypt"`

	// InheritGlobalProviders lets an embedder with database-scoped provider
	// sets fall back to the globally registered ones. The engine itself keeps
	// a single registry per data directory, so it only parses and carries the
	// setting.
	InheritGlobalProviders    bool        `hcl:"-"`
	InheritGlobalProvidersRaw interface{} `hcl:"inherit_global_providers"`

	// ProviderCacheSeconds bounds how long an unwrapped principal key is
	// served from memory before the provider is consulted again.
	ProviderCacheSeconds int `hcl:"provider_cache_seconds"`

	// ProviderTimeout bounds one principal-key fetch, retries included.
	ProviderTimeout    time.Duration `hcl:"-"`
	ProviderTimeoutRaw interface{}   `hcl:"provider_timeout"`
}

// Env is the bootstrap environment. The bootstrap key seals provider
// credentials at rest; without it there is no way to open the catalog, so
// startup refuses to proceed rather than fall back to plaintext.
type Env struct {
	BootstrapKey string `envconfig:"BOOTSTRAP_KEY"`
}

// Parse decodes an HCL configuration document.
func Parse(ctx context.Context, d string) (*Config, error) {
	const op = "config.Parse"

	obj, err := hcl.Parse(d)
	if err != nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "could not parse configuration", errors.WithWrap(err))
	}
	c := Config{
		InheritGlobalProviders: true,
		ProviderCacheSeconds:   DefaultProviderCacheSeconds,
		ProviderTimeout:        DefaultProviderTimeout,
	}
	if err := hcl.DecodeObject(&c, obj); err != nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "could not decode configuration", errors.WithWrap(err))
	}

	if c.WalEncryptRaw != nil {
		c.WalEncrypt, err = parseutil.ParseBool(c.WalEncryptRaw)
		if err != nil {
			return nil, errors.New(ctx, errors.InvalidParameter, op, "wal_encrypt is not a boolean", errors.WithWrap(err))
		}
		c.WalEncryptRaw = nil
	}
	if c.InheritGlobalProvidersRaw != nil {
		c.InheritGlobalProviders, err = parseutil.ParseBool(c.InheritGlobalProvidersRaw)
		if err != nil {
			return nil, errors.New(ctx, errors.InvalidParameter, op, "inherit_global_providers is not a boolean", errors.WithWrap(err))
		}
		c.InheritGlobalProvidersRaw = nil
	}
	if c.ProviderTimeoutRaw != nil {
		c.ProviderTimeout, err = parseutil.ParseDurationSecond(c.ProviderTimeoutRaw)
		if err != nil {
			return nil, errors.New(ctx, errors.InvalidParameter, op, "provider_timeout is not a duration", errors.WithWrap(err))
		}
		c.ProviderTimeoutRaw = nil
	}

	if c.DataDir == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "data_dir is required")
	}
	if c.ProviderCacheSeconds < 0 {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "provider_cache_seconds must not be negative")
	}
	return &c, nil
}

// Load reads and parses the configuration file at path.
func Load(ctx context.Context, path string) (*Config, error) {
	const op = "config.Load"
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(ctx, errors.Io, op, "could not read configuration file", errors.WithWrap(err))
	}
	return Parse(ctx, string(d))
}

// BootstrapKey reads TDE_BOOTSTRAP_KEY from the environment and decodes it.
// The key must be exactly 32 bytes of hex.
func BootstrapKey(ctx context.Context) ([]byte, error) {
	const op = "config.BootstrapKey"
	var env Env
	if err := envconfig.Process("tde", &env); err != nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "could not read environment", errors.WithWrap(err))
	}
	if env.BootstrapKey == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "TDE_BOOTSTRAP_KEY is not set; refusing to start without a sealing key")
	}
	key, err := hex.DecodeString(env.BootstrapKey)
	if err != nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "TDE_BOOTSTRAP_KEY is not valid hex", errors.WithWrap(err))
	}
	if len(key) != 32 {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "TDE_BOOTSTRAP_KEY must decode to 32 bytes")
	}
	return key, nil
}
