// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keyring

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/wal"
	"github.com/hashicorp/go-hclog"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"google.golang.org/protobuf/proto"
)

const registryFileName = "tde.providers"

// Credentials is the per-kind secret material a provider needs. Only the
// fields for the record's kind are set. At rest credentials are sealed under
// the bootstrap key; the plaintext form lives in memory only.
type Credentials struct {
	// Token is the vault bearer token.
	Token string `json:"token,omitempty"`
	// Mount is the vault secrets engine mount, default "secret".
	Mount string `json:"mount,omitempty"`
	// ClientCert and ClientKey are PEM file paths for KMIP TLS.
	ClientCert string `json:"client_cert,omitempty"`
	ClientKey  string `json:"client_key,omitempty"`
	// CaCert is an optional PEM file path for KMIP server verification.
	CaCert string `json:"ca_cert,omitempty"`
}

func (c Credentials) empty() bool {
	return c == Credentials{}
}

// ProviderRecord is one registered key provider. Kind is immutable once the
// provider exists; endpoint and credentials may change without invalidating
// keys already wrapped through the provider.
type ProviderRecord struct {
	ID          uint64
	Name        string
	Kind        Kind
	Endpoint    string
	Credentials Credentials

	sealed  []byte
	deleted bool
}

// Registry is the durable record of configured key providers. Every mutation
// is journaled before the registry file changes.
type Registry struct {
	mu        sync.RWMutex
	path      string
	sealer    wrapping.Wrapper
	log       *wal.Log
	logger    hclog.Logger
	providers map[string]*ProviderRecord
	nextID    uint64
}

// NewRegistry loads (or creates) the provider registry in dir. sealer is the
// bootstrap-key wrapper protecting credentials at rest.
func NewRegistry(ctx context.Context, dir string, sealer wrapping.Wrapper, log *wal.Log, opt ...Option) (*Registry, error) {
	const op = "keyring.NewRegistry"
	if sealer == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing bootstrap sealer")
	}
	if log == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing journal")
	}
	opts := getOpts(opt...)
	r := &Registry{
		path:      filepath.Join(dir, registryFileName),
		sealer:    sealer,
		log:       log,
		logger:    opts.withLogger,
		providers: make(map[string]*ProviderRecord),
		nextID:    1,
	}
	if r.logger == nil {
		r.logger = hclog.NewNullLogger()
	}
	if err := r.load(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return r, nil
}

func (r *Registry) seal(ctx context.Context, creds Credentials) ([]byte, error) {
	const op = "keyring.(Registry).seal"
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, errors.New(ctx, errors.Io, op, "could not encode credentials", errors.WithWrap(err))
	}
	blob, err := r.sealer.Encrypt(ctx, plain)
	if err != nil {
		return nil, errors.New(ctx, errors.CryptoFault, op, "could not seal credentials", errors.WithWrap(err))
	}
	return proto.Marshal(blob)
}

func (r *Registry) unseal(ctx context.Context, sealed []byte) (Credentials, error) {
	const op = "keyring.(Registry).unseal"
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(sealed, blob); err != nil {
		return Credentials{}, errors.New(ctx, errors.MapCorruption, op, "sealed credentials are not decodable", errors.WithWrap(err))
	}
	plain, err := r.sealer.Decrypt(ctx, blob)
	if err != nil {
		return Credentials{}, errors.New(ctx, errors.UnwrapFailed, op, "could not unseal credentials; wrong bootstrap key?", errors.WithWrap(err))
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, errors.New(ctx, errors.MapCorruption, op, "credentials are not decodable", errors.WithWrap(err))
	}
	return creds, nil
}

// validate mirrors the shape checks done when a provider is configured:
// every kind needs a name and endpoint, and the kind-specific credential
// fields must be present.
func validateProvider(ctx context.Context, op errors.Op, name string, kind Kind, endpoint string, creds Credentials) error {
	if name == "" {
		return errors.New(ctx, errors.InvalidParameter, op, "missing provider name")
	}
	if !kind.valid() {
		return errors.New(ctx, errors.InvalidParameter, op, "unknown provider kind "+string(kind))
	}
	if endpoint == "" {
		return errors.New(ctx, errors.InvalidParameter, op, "missing provider endpoint")
	}
	switch kind {
	case KindVault:
		if creds.Token == "" {
			return errors.New(ctx, errors.InvalidParameter, op, "vault provider requires a token")
		}
	case KindKmip:
		if creds.ClientCert == "" || creds.ClientKey == "" {
			return errors.New(ctx, errors.InvalidParameter, op, "kmip provider requires a client certificate and key")
		}
	case KindFile:
		if !creds.empty() {
			return errors.New(ctx, errors.InvalidParameter, op, "file provider takes no credentials")
		}
	}
	return nil
}

// Add registers a new provider, journaling the write before it becomes
// visible.
func (r *Registry) Add(ctx context.Context, name string, kind Kind, endpoint string, creds Credentials) (*ProviderRecord, error) {
	const op = "keyring.(Registry).Add"
	if err := validateProvider(ctx, op, name, kind, endpoint, creds); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[name]; ok {
		return nil, errors.New(ctx, errors.Duplicate, op, "provider "+name+" already exists")
	}
	sealed, err := r.seal(ctx, creds)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	rec := &ProviderRecord{
		ID:          r.nextID,
		Name:        name,
		Kind:        kind,
		Endpoint:    endpoint,
		Credentials: creds,
		sealed:      sealed,
	}

	if err := r.journal(ctx, rec); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	r.providers[name] = rec
	r.nextID++
	if err := r.store(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	r.logger.Info("registered key provider", "name", name, "kind", kind)
	return rec, nil
}

// Change updates a provider's endpoint and/or credentials. The kind is
// immutable; existing wrapped keys remain valid.
func (r *Registry) Change(ctx context.Context, name string, endpoint string, creds Credentials) (*ProviderRecord, error) {
	const op = "keyring.(Registry).Change"

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.providers[name]
	if !ok {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no provider named "+name)
	}
	if endpoint == "" {
		endpoint = rec.Endpoint
	}
	if creds.empty() {
		creds = rec.Credentials
	}
	if err := validateProvider(ctx, op, name, rec.Kind, endpoint, creds); err != nil {
		return nil, err
	}
	sealed, err := r.seal(ctx, creds)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	updated := *rec
	updated.Endpoint = endpoint
	updated.Credentials = creds
	updated.sealed = sealed

	if err := r.journal(ctx, &updated); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	r.providers[name] = &updated
	if err := r.store(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return &updated, nil
}

// Delete removes a provider from the registry.
func (r *Registry) Delete(ctx context.Context, name string) error {
	const op = "keyring.(Registry).Delete"

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.providers[name]
	if !ok {
		return errors.New(ctx, errors.KeyNotFound, op, "no provider named "+name)
	}
	tomb := *rec
	tomb.deleted = true
	if err := r.journal(ctx, &tomb); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	delete(r.providers, name)
	if err := r.store(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	r.logger.Info("deleted key provider", "name", name)
	return nil
}

// Lookup returns the provider record for name.
func (r *Registry) Lookup(ctx context.Context, name string) (*ProviderRecord, error) {
	const op = "keyring.(Registry).Lookup"
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.providers[name]
	if !ok {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no provider named "+name)
	}
	cp := *rec
	return &cp, nil
}

// LookupID returns the provider record with the given id.
func (r *Registry) LookupID(ctx context.Context, id uint64) (*ProviderRecord, error) {
	const op = "keyring.(Registry).LookupID"
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.providers {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, errors.New(ctx, errors.KeyNotFound, op, "no provider with that id")
}

// List returns all providers ordered by id.
func (r *Registry) List(ctx context.Context) []*ProviderRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ProviderRecord, 0, len(r.providers))
	for _, rec := range r.providers {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Open builds the adapter for the named provider.
func (r *Registry) Open(ctx context.Context, name string) (Keyring, error) {
	const op = "keyring.(Registry).Open"
	rec, err := r.Lookup(ctx, name)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return New(ctx, rec)
}

func (r *Registry) journal(ctx context.Context, rec *ProviderRecord) error {
	const op = "keyring.(Registry).journal"
	body := wal.WriteKeyProvider{
		ProviderID:  rec.ID,
		Name:        rec.Name,
		Kind:        string(rec.Kind),
		Endpoint:    rec.Endpoint,
		Credentials: rec.sealed,
		Deleted:     rec.deleted,
	}
	if _, err := r.log.Append(ctx, wal.TagWriteKeyProvider, body.Encode()); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := r.log.Flush(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// Apply reconstructs a registry mutation during journal replay. It is
// idempotent and never opens provider credentials.
func (r *Registry) Apply(ctx context.Context, rec wal.WriteKeyProvider) error {
	const op = "keyring.(Registry).Apply"

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Deleted {
		delete(r.providers, rec.Name)
	} else {
		creds, err := r.unseal(ctx, rec.Credentials)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		r.providers[rec.Name] = &ProviderRecord{
			ID:          rec.ProviderID,
			Name:        rec.Name,
			Kind:        Kind(rec.Kind),
			Endpoint:    rec.Endpoint,
			Credentials: creds,
			sealed:      rec.Credentials,
		}
		if rec.ProviderID >= r.nextID {
			r.nextID = rec.ProviderID + 1
		}
	}
	return r.store(ctx)
}

// Registry file format: repeated frames of uint32 length + WriteKeyProvider
// body, rewritten wholesale on every mutation. The journal is the source of
// truth; this file is just the materialized state.

// store is called with r.mu held.
func (r *Registry) store(ctx context.Context) error {
	const op = "keyring.(Registry).store"
	recs := make([]*ProviderRecord, 0, len(r.providers))
	for _, rec := range r.providers {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	var buf []byte
	for _, rec := range recs {
		body := wal.WriteKeyProvider{
			ProviderID:  rec.ID,
			Name:        rec.Name,
			Kind:        string(rec.Kind),
			Endpoint:    rec.Endpoint,
			Credentials: rec.sealed,
		}.Encode()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
		buf = append(buf, body...)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return errors.New(ctx, errors.Io, op, "could not write provider registry", errors.WithWrap(err))
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.New(ctx, errors.Io, op, "could not install provider registry", errors.WithWrap(err))
	}
	return nil
}

func (r *Registry) load(ctx context.Context) error {
	const op = "keyring.(Registry).load"
	buf, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(ctx, errors.Io, op, "could not read provider registry", errors.WithWrap(err))
	}
	off := int64(0)
	for len(buf) >= 4 {
		n := int(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		if len(buf) < n {
			return errors.New(ctx, errors.MapCorruption, op, "truncated provider record", errors.WithOffset(off))
		}
		rec, err := wal.DecodeWriteKeyProvider(ctx, buf[:n])
		if err != nil {
			return errors.Wrap(ctx, err, op, errors.WithCode(errors.MapCorruption), errors.WithOffset(off))
		}
		creds, err := r.unseal(ctx, rec.Credentials)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		r.providers[rec.Name] = &ProviderRecord{
			ID:          rec.ProviderID,
			Name:        rec.Name,
			Kind:        Kind(rec.Kind),
			Endpoint:    rec.Endpoint,
			Credentials: creds,
			sealed:      rec.Credentials,
		}
		if rec.ProviderID >= r.nextID {
			r.nextID = rec.ProviderID + 1
		}
		buf = buf[n:]
		off += 4 + int64(n)
	}
	if len(buf) != 0 {
		return errors.New(ctx, errors.MapCorruption, op, "trailing garbage in provider registry", errors.WithOffset(off))
	}
	return nil
}
