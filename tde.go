// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package tde is a transparent-data-encryption core: block-addressed
// keystream encryption over relation data, backed by a durable map of
// per-relation data keys wrapped under externally managed principal keys.
package tde

import (
	"context"
	"time"

	"github.com/cipherstack/tde/internal/config"
	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/keyring"
	"github.com/cipherstack/tde/internal/keystore"
	"github.com/cipherstack/tde/internal/principal"
	"github.com/cipherstack/tde/internal/wal"
	"github.com/hashicorp/go-hclog"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"github.com/hashicorp/go-secure-stdlib/mlock"
)

// TDE is an open encryption engine rooted at a data directory. All methods
// are safe for concurrent use.
type TDE struct {
	conf   *config.Config
	logger hclog.Logger

	sealer   wrapping.Wrapper
	log      *wal.Log
	registry *keyring.Registry
	mgr      *principal.Manager
	store    *keystore.Store
}

// Open brings up the engine: it locks memory where supported, builds the
// credential sealer from the bootstrap key, opens the journal and the key
// stores, and replays every journal record past the last checkpoint before
// returning. A torn record at the journal tail ends replay cleanly.
func Open(ctx context.Context, conf *config.Config, opt ...Option) (*TDE, error) {
	const op = "tde.Open"
	if conf == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing configuration")
	}
	opts := getOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "tde"})
	}

	if !opts.withDisableMlock {
		if err := mlock.LockMemory(); err != nil {
			// Unwrapped key material should not be swappable. Degraded but
			// not fatal: containers commonly deny the capability.
			logger.Warn("could not lock memory", "error", err)
		}
	}

	bootstrap, err := config.BootstrapKey(ctx)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	sealer := aead.NewWrapper()
	if _, err := sealer.SetConfig(ctx, wrapping.WithKeyId("bootstrap")); err != nil {
		return nil, errors.New(ctx, errors.CryptoInit, op, "could not configure sealer", errors.WithWrap(err))
	}
	if err := sealer.SetAesGcmKeyBytes(bootstrap); err != nil {
		return nil, errors.New(ctx, errors.CryptoInit, op, "could not key sealer", errors.WithWrap(err))
	}

	log, err := wal.Open(ctx, conf.DataDir, wal.WithLogger(logger.Named("wal")))
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	registry, err := keyring.NewRegistry(ctx, conf.DataDir, sealer, log, keyring.WithLogger(logger.Named("keyring")))
	if err != nil {
		_ = log.Close()
		return nil, errors.Wrap(ctx, err, op)
	}
	mgr, err := principal.NewManager(ctx, conf.DataDir, registry, log,
		principal.WithLogger(logger.Named("principal")),
		principal.WithCacheTTL(time.Duration(conf.ProviderCacheSeconds)*time.Second),
		principal.WithTimeout(conf.ProviderTimeout),
	)
	if err != nil {
		_ = log.Close()
		return nil, errors.Wrap(ctx, err, op)
	}
	store, err := keystore.Open(ctx, conf.DataDir, mgr, log, keystore.WithLogger(logger.Named("keystore")))
	if err != nil {
		_ = log.Close()
		return nil, errors.Wrap(ctx, err, op)
	}

	t := &TDE{
		conf:     conf,
		logger:   logger,
		sealer:   sealer,
		log:      log,
		registry: registry,
		mgr:      mgr,
		store:    store,
	}

	from, err := log.LastCheckpoint(ctx)
	if err != nil {
		_ = t.Close()
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := log.Replay(ctx, from, t.apply); err != nil {
		_ = t.Close()
		return nil, errors.Wrap(ctx, err, op)
	}
	logger.Info("engine open", "data_dir", conf.DataDir, "replayed_from", uint64(from))
	return t, nil
}

// apply dispatches one journal record during recovery. Every handler is
// idempotent: the on-disk state may already reflect the record.
func (t *TDE) apply(ctx context.Context, rec wal.Record) error {
	const op = "tde.(TDE).apply"
	switch rec.Tag {
	case wal.TagAddRelationKey:
		r, err := wal.DecodeAddRelationKey(ctx, rec.Body)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return t.store.ApplyAdd(ctx, r)
	case wal.TagRemoveRelationKey:
		r, err := wal.DecodeRemoveRelationKey(ctx, rec.Body)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return t.store.ApplyRemove(ctx, r)
	case wal.TagAddPrincipalKey:
		r, err := wal.DecodeAddPrincipalKey(ctx, rec.Body)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return t.mgr.ApplyAdd(ctx, r)
	case wal.TagRotatePrincipalKey:
		r, err := wal.DecodeRotatePrincipalKey(ctx, rec.Body)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		if err := t.store.ApplyRotatePrincipal(ctx, r); err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return t.mgr.SetActive(ctx, r.NewName)
	case wal.TagDeletePrincipalKey:
		r, err := wal.DecodeDeletePrincipalKey(ctx, rec.Body)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return t.mgr.ApplyDelete(ctx, r)
	case wal.TagWriteKeyProvider:
		r, err := wal.DecodeWriteKeyProvider(ctx, rec.Body)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return t.registry.Apply(ctx, r)
	case wal.TagInstallExtension:
		// Nothing to rebuild: installation only marks a database as
		// encrypted, and the map files carry that state themselves.
		return nil
	default:
		t.logger.Warn("skipping journal record with unknown tag", "tag", uint8(rec.Tag), "lsn", uint64(rec.LSN))
		return nil
	}
}

// Checkpoint compacts recovery state: tombstoned map slots are reclaimed and
// the journal's replay start advances to its current end.
func (t *TDE) Checkpoint(ctx context.Context) error {
	const op = "tde.(TDE).Checkpoint"
	if err := t.store.Reclaim(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := t.log.Checkpoint(ctx, t.log.End()); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// InstallExtension journals that a database has turned encryption on.
func (t *TDE) InstallExtension(ctx context.Context, databaseID uint64) error {
	const op = "tde.(TDE).InstallExtension"
	rec := wal.InstallExtension{DatabaseID: databaseID}
	if _, err := t.log.Append(ctx, wal.TagInstallExtension, rec.Encode()); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := t.log.Flush(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	t.logger.Info("extension installed", "database", databaseID)
	return nil
}

// Close releases the key stores and the journal. Cached plaintext keys are
// dropped.
func (t *TDE) Close() error {
	err := t.store.Close()
	if err2 := t.log.Close(); err == nil {
		err = err2
	}
	return err
}
