// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package principal

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/keyring"
	"github.com/cipherstack/tde/internal/wal"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultProviderTimeout bounds a single logical fetch, including all
// internal retries.
const DefaultProviderTimeout = 30 * time.Second

const activeFileName = "tde.active"

type cacheEntry struct {
	key     []byte
	fetched time.Time
}

// Manager owns no mutable key state of its own; it is a function from
// (provider, name) to key bytes with a TTL cache in front, plus the
// wrap/unwrap service built on it. Provider outages are retried internally
// with exponential backoff up to the configured timeout; every other failure
// surfaces immediately.
type Manager struct {
	registry *keyring.Registry
	log      *wal.Log
	logger   hclog.Logger

	mu         sync.RWMutex
	catalog    *catalog
	active     string
	activePath string
	cache      map[string]cacheEntry

	group   singleflight.Group
	ttl     time.Duration
	timeout time.Duration

	// openKeyring is swapped out in tests.
	openKeyring func(context.Context, *keyring.ProviderRecord) (keyring.Keyring, error)
}

// NewManager builds a Manager over the provider registry. The principal-key
// catalog is loaded from dir.
func NewManager(ctx context.Context, dir string, registry *keyring.Registry, log *wal.Log, opt ...Option) (*Manager, error) {
	const op = "principal.NewManager"
	if registry == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing provider registry")
	}
	if log == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing journal")
	}
	opts := getOpts(opt...)

	cat, err := loadCatalog(ctx, dir)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	m := &Manager{
		registry:   registry,
		log:        log,
		logger:     opts.withLogger,
		catalog:    cat,
		activePath: filepath.Join(dir, activeFileName),
		cache:      make(map[string]cacheEntry),
		ttl:        opts.withCacheTTL,
		timeout:    opts.withTimeout,
	}
	m.openKeyring = keyring.New
	if m.logger == nil {
		m.logger = hclog.NewNullLogger()
	}
	if raw, err := os.ReadFile(m.activePath); err == nil {
		m.active = strings.TrimSpace(string(raw))
	}
	return m, nil
}

// SetActive durably marks name as the wrapping principal all map entries are
// (or are being re-wrapped to be) wrapped under.
func (m *Manager) SetActive(ctx context.Context, name string) error {
	const op = "principal.(Manager).SetActive"
	if name != "" {
		if _, ok := m.catalog.provider(name); !ok {
			return errors.New(ctx, errors.KeyNotFound, op, "no principal key named "+name)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = name
	return m.persistActive(ctx, op)
}

// persistActive is called with m.mu held.
func (m *Manager) persistActive(ctx context.Context, op errors.Op) error {
	tmp := m.activePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(m.active+"\n"), 0o600); err != nil {
		return errors.New(ctx, errors.Io, op, "could not write active principal", errors.WithWrap(err))
	}
	if err := os.Rename(tmp, m.activePath); err != nil {
		return errors.New(ctx, errors.Io, op, "could not install active principal", errors.WithWrap(err))
	}
	return nil
}

// Active returns the default wrapping principal name.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Provider returns the name of the provider holding the named principal key.
func (m *Manager) Provider(ctx context.Context, name string) (string, error) {
	const op = "principal.(Manager).Provider"
	providerID, ok := m.catalog.provider(name)
	if !ok {
		return "", errors.New(ctx, errors.KeyNotFound, op, "no principal key named "+name)
	}
	rec, err := m.registry.LookupID(ctx, providerID)
	if err != nil {
		return "", errors.Wrap(ctx, err, op)
	}
	return rec.Name, nil
}

// Invalidate drops any cached key bytes for name.
func (m *Manager) Invalidate(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, name)
}

// Fetch returns the named principal key's bytes, consulting the cache first.
// Concurrent fetches of the same name are collapsed into one provider call.
func (m *Manager) Fetch(ctx context.Context, name string) ([]byte, error) {
	const op = "principal.(Manager).Fetch"

	m.mu.RLock()
	if e, ok := m.cache[name]; ok && (m.ttl <= 0 || time.Since(e.fetched) < m.ttl) {
		m.mu.RUnlock()
		return e.key, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(name, func() (any, error) {
		key, err := m.fetchFromProvider(ctx, name)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[name] = cacheEntry{key: key, fetched: time.Now()}
		m.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return v.([]byte), nil
}

func (m *Manager) fetchFromProvider(ctx context.Context, name string) ([]byte, error) {
	const op = "principal.(Manager).fetchFromProvider"

	providerID, ok := m.catalog.provider(name)
	if !ok {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no principal key named "+name)
	}
	rec, err := m.registry.LookupID(ctx, providerID)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	ring, err := m.openKeyring(ctx, rec)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.timeout

	var key []byte
	operation := func() error {
		var err error
		key, err = ring.Get(ctx, name)
		if err != nil && !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			m.logger.Warn("key provider unavailable, retrying", "provider", rec.Name, "key", name)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var perm *backoff.PermanentError
		if stderrors.As(err, &perm) {
			err = perm.Err
		}
		return nil, errors.Wrap(ctx, err, op)
	}
	if len(key) != PrincipalKeySize {
		return nil, errors.New(ctx, errors.WrapSizeMismatch, op, "principal key has wrong length")
	}
	return key, nil
}

// WrapKey wraps a data key payload under the named principal key.
func (m *Manager) WrapKey(ctx context.Context, name string, p Payload) ([]byte, error) {
	const op = "principal.(Manager).WrapKey"
	pk, err := m.Fetch(ctx, name)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return Wrap(ctx, pk, p)
}

// UnwrapKey unwraps a data key payload wrapped under the named principal key.
func (m *Manager) UnwrapKey(ctx context.Context, name string, wrapped []byte) (Payload, error) {
	const op = "principal.(Manager).UnwrapKey"
	pk, err := m.Fetch(ctx, name)
	if err != nil {
		return Payload{}, errors.Wrap(ctx, err, op, errors.WithCode(errors.UnwrapFailed))
	}
	return Unwrap(ctx, pk, wrapped)
}

// Create generates a fresh 32-byte principal key, stores it on the named
// provider, and journals the addition. The first principal created becomes
// the active one.
func (m *Manager) Create(ctx context.Context, providerName, keyName string) error {
	const op = "principal.(Manager).Create"
	if keyName == "" {
		return errors.New(ctx, errors.InvalidParameter, op, "missing key name")
	}
	rec, err := m.registry.Lookup(ctx, providerName)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if _, ok := m.catalog.provider(keyName); ok {
		return errors.New(ctx, errors.Duplicate, op, "principal key "+keyName+" already exists")
	}
	ring, err := m.openKeyring(ctx, rec)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}

	key, err := uuid.GenerateRandomBytes(PrincipalKeySize)
	if err != nil {
		return errors.New(ctx, errors.RngFailure, op, "could not generate principal key", errors.WithWrap(err))
	}
	if err := ring.Put(ctx, keyName, key); err != nil {
		return errors.Wrap(ctx, err, op)
	}

	body := wal.AddPrincipalKey{ProviderID: rec.ID, Name: keyName}
	if _, err := m.log.Append(ctx, wal.TagAddPrincipalKey, body.Encode()); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := m.log.Flush(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := m.catalog.add(ctx, keyName, rec.ID); err != nil {
		return errors.Wrap(ctx, err, op)
	}

	m.mu.Lock()
	if m.active == "" {
		m.active = keyName
		_ = m.persistActive(ctx, op)
	}
	m.mu.Unlock()
	m.logger.Info("created principal key", "name", keyName, "provider", providerName)
	return nil
}

// Delete removes the principal key from the catalog and journals the
// deletion. Callers must first ensure no relation key is wrapped under it.
func (m *Manager) Delete(ctx context.Context, keyName string) error {
	const op = "principal.(Manager).Delete"
	if _, ok := m.catalog.provider(keyName); !ok {
		return errors.New(ctx, errors.KeyNotFound, op, "no principal key named "+keyName)
	}

	body := wal.DeletePrincipalKey{Name: keyName}
	if _, err := m.log.Append(ctx, wal.TagDeletePrincipalKey, body.Encode()); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := m.log.Flush(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := m.catalog.remove(ctx, keyName); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	m.Invalidate(keyName)

	m.mu.Lock()
	if m.active == keyName {
		m.active = ""
		_ = m.persistActive(ctx, op)
	}
	m.mu.Unlock()
	m.logger.Info("deleted principal key", "name", keyName)
	return nil
}

// List returns the known principal key names.
func (m *Manager) List(ctx context.Context) []string {
	return m.catalog.names()
}

// ApplyAdd reconstructs a principal addition during journal replay. It never
// reaches the provider.
func (m *Manager) ApplyAdd(ctx context.Context, rec wal.AddPrincipalKey) error {
	const op = "principal.(Manager).ApplyAdd"
	if err := m.catalog.add(ctx, rec.Name, rec.ProviderID); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	m.mu.Lock()
	if m.active == "" {
		m.active = rec.Name
		_ = m.persistActive(ctx, op)
	}
	m.mu.Unlock()
	return nil
}

// ApplyDelete reconstructs a principal deletion during journal replay.
func (m *Manager) ApplyDelete(ctx context.Context, rec wal.DeletePrincipalKey) error {
	const op = "principal.(Manager).ApplyDelete"
	if err := m.catalog.remove(ctx, rec.Name); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	m.Invalidate(rec.Name)
	m.mu.Lock()
	if m.active == rec.Name {
		m.active = ""
		_ = m.persistActive(ctx, op)
	}
	m.mu.Unlock()
	return nil
}
