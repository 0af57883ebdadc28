// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keystore

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/principal"
	"github.com/cipherstack/tde/internal/wal"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"go.uber.org/atomic"
)

const (
	mapFileName      = "tde.map"
	overflowFileName = "tde.map.1"
)

// ReservedWALRelation is the relation id the journal-encryption key is filed
// under. Real relations never use it.
const ReservedWALRelation = ^uint64(0)

type cachedKey struct {
	active *InternalKey
	// prev is the retained predecessor after a rotation, consulted by
	// KeyForLSN for blocks whose writes were in flight at the switch.
	prev *InternalKey
	gen  uint64
}

// Store is the durable mapping from relation id to data key. Readers take
// the latch shared; mutators take it exclusive, so no stream operation can
// observe a mid-rotation state. The plaintext cache is process-local and
// rebuilt on every start.
type Store struct {
	mu  sync.RWMutex
	gen atomic.Uint64

	dir      string
	primary  *mapFile
	overflow *mapFile // opened on first spill

	mgr    *principal.Manager
	log    *wal.Log
	logger hclog.Logger

	cache map[uint64]*cachedKey
}

// Open opens (creating if needed) the key map in dir.
func Open(ctx context.Context, dir string, mgr *principal.Manager, log *wal.Log, opt ...Option) (*Store, error) {
	const op = "keystore.Open"
	if mgr == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing principal manager")
	}
	if log == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing journal")
	}
	opts := getOpts(opt...)

	primary, err := openMapFile(ctx, filepath.Join(dir, mapFileName), primaryEntryLimit, true)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	s := &Store{
		dir:     dir,
		primary: primary,
		mgr:     mgr,
		log:     log,
		logger:  opts.withLogger,
		cache:   make(map[uint64]*cachedKey),
	}
	if s.logger == nil {
		s.logger = hclog.NewNullLogger()
	}

	// A secondary file left by an earlier spill is part of the map.
	overflowPath := filepath.Join(dir, overflowFileName)
	if overflow, err := openMapFile(ctx, overflowPath, 0, false); err == nil {
		s.overflow = overflow
	} else if !errors.Match(errors.T(errors.KeyNotFound), err) {
		_ = primary.close()
		return nil, errors.Wrap(ctx, err, op)
	}
	return s, nil
}

// Close releases the map files. Cached plaintext keys are dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[uint64]*cachedKey)
	err := s.primary.close()
	if s.overflow != nil {
		if err2 := s.overflow.close(); err == nil {
			err = err2
		}
	}
	return err
}

// Generation returns the mutation generation counter. It advances on every
// create, rotate, delete and reclaim, invalidating long-held assumptions
// about cached keys.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// files returns the map files in scan order. Callers hold s.mu.
func (s *Store) files() []*mapFile {
	if s.overflow != nil {
		return []*mapFile{s.primary, s.overflow}
	}
	return []*mapFile{s.primary}
}

// find locates the slot holding relation. Callers hold s.mu. A nil entry
// with nil error means not present.
func (s *Store) find(ctx context.Context, relation uint64, includeTombstones bool) (*mapFile, int64, *entry, error) {
	const op = "keystore.(Store).find"
	for _, mf := range s.files() {
		var foundOff int64
		var found *entry
		err := mf.scan(ctx, func(off int64, e *entry) (bool, error) {
			if e.free() || e.Relation != relation {
				return false, nil
			}
			if e.active() || (includeTombstones && e.tombstone()) {
				foundOff, found = off, e
				return true, nil
			}
			return false, nil
		})
		if err != nil {
			return nil, 0, nil, errors.Wrap(ctx, err, op)
		}
		if found != nil {
			return mf, foundOff, found, nil
		}
	}
	return nil, 0, nil, nil
}

// allocate finds a slot for a new entry: primary free list, primary append
// while below its fixed limit, then the overflow file (created on first
// spill). Callers hold s.mu exclusively.
func (s *Store) allocate(ctx context.Context) (*mapFile, int64, error) {
	const op = "keystore.(Store).allocate"
	off, ok, err := s.primary.allocate(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(ctx, err, op)
	}
	if ok {
		return s.primary, off, nil
	}
	if s.overflow == nil {
		overflow, err := openMapFile(ctx, filepath.Join(s.dir, overflowFileName), 0, true)
		if err != nil {
			return nil, 0, errors.Wrap(ctx, err, op)
		}
		s.overflow = overflow
		s.logger.Info("key map spilled into secondary file")
	}
	off, _, err = s.overflow.allocate(ctx)
	if err != nil {
		return nil, 0, errors.Wrap(ctx, err, op)
	}
	return s.overflow, off, nil
}

// Get returns a copy of the relation's active data key, unwrapping it
// through the principal-key manager on first use after startup.
func (s *Store) Get(ctx context.Context, relation uint64) (*InternalKey, error) {
	const op = "keystore.(Store).Get"

	s.mu.RLock()
	if c, ok := s.cache[relation]; ok {
		k := *c.active
		s.mu.RUnlock()
		return &k, nil
	}
	s.mu.RUnlock()

	// Miss: load and unwrap under the exclusive latch so the entry cannot
	// be re-wrapped between reading it and unwrapping it.
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[relation]; ok {
		k := *c.active
		return &k, nil
	}
	_, _, e, err := s.find(ctx, relation, false)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if e == nil {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no key for relation")
	}
	name := s.mgr.Active()
	if name == "" {
		return nil, errors.New(ctx, errors.UnwrapFailed, op, "principal key not configured")
	}
	p, err := s.mgr.UnwrapKey(ctx, name, e.Blob[:])
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	k := keyFromPayload(p)
	s.cache[relation] = &cachedKey{active: k, gen: s.gen.Load()}
	kc := *k
	return &kc, nil
}

// Has reports whether the relation is encrypted, without unwrapping its key.
func (s *Store) Has(ctx context.Context, relation uint64) (bool, error) {
	const op = "keystore.(Store).Has"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.cache[relation]; ok {
		return true, nil
	}
	_, _, e, err := s.find(ctx, relation, false)
	if err != nil {
		return false, errors.Wrap(ctx, err, op)
	}
	return e != nil, nil
}

// Count returns the number of active storage keys. It does not check that
// the relations still exist, only that they hold keys.
func (s *Store) Count(ctx context.Context) (int, error) {
	const op = "keystore.(Store).Count"
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, mf := range s.files() {
		err := mf.scan(ctx, func(_ int64, e *entry) (bool, error) {
			if e.active() && e.Type == KeyTypeSmgr {
				count++
			}
			return false, nil
		})
		if err != nil {
			return 0, errors.Wrap(ctx, err, op)
		}
	}
	return count, nil
}

// Relations returns the ids of every relation holding an active key, in
// map-file order.
func (s *Store) Relations(ctx context.Context) ([]uint64, error) {
	const op = "keystore.(Store).Relations"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rels []uint64
	for _, mf := range s.files() {
		err := mf.scan(ctx, func(_ int64, e *entry) (bool, error) {
			if e.active() {
				rels = append(rels, e.Relation)
			}
			return false, nil
		})
		if err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
	}
	return rels, nil
}

// Create generates and persists a fresh data key for the relation. The
// journal record is durable before the map entry becomes visible.
func (s *Store) Create(ctx context.Context, relation uint64, typ KeyType, principalName string) (*InternalKey, error) {
	const op = "keystore.(Store).Create"
	if !typ.valid() {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "invalid key type")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _, existing, err := s.find(ctx, relation, false)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if existing != nil {
		return nil, errors.New(ctx, errors.Duplicate, op, "relation already has a key")
	}

	name, err := s.wrappingPrincipal(ctx, op, principalName)
	if err != nil {
		return nil, err
	}

	k, err := s.newKey(ctx, op, typ)
	if err != nil {
		return nil, err
	}
	blob, err := s.mgr.WrapKey(ctx, name, k.payload())
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	wik := &WrappedInternalKey{
		Relation:      relation,
		Type:          typ,
		PrincipalName: name,
		StartLSN:      k.StartLSN,
		Blob:          blob,
	}
	rec := wal.AddRelationKey{Relation: relation, Wrapped: wik.EncodeWrapped()}
	if _, err := s.log.Append(ctx, wal.TagAddRelationKey, rec.Encode()); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := s.log.Flush(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	if err := s.writeWrapped(ctx, op, relation, typ, blob); err != nil {
		return nil, err
	}

	s.cache[relation] = &cachedKey{active: k, gen: s.gen.Inc()}
	s.logger.Info("created relation key", "relation", relation, "type", typ.String())
	kc := *k
	return &kc, nil
}

// Rotate retires the relation's key and installs a fresh one. The old key is
// retained for the grace window so reads of blocks written before the switch
// (see KeyForLSN) still decrypt.
func (s *Store) Rotate(ctx context.Context, relation uint64, principalName string) (*InternalKey, error) {
	const op = "keystore.(Store).Rotate"

	s.mu.Lock()
	defer s.mu.Unlock()

	mf, off, e, err := s.find(ctx, relation, false)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if e == nil {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no key for relation")
	}

	name, err := s.wrappingPrincipal(ctx, op, principalName)
	if err != nil {
		return nil, err
	}

	// Hold on to the outgoing key version before overwriting the slot.
	oldKey := s.cache[relation]
	var prev *InternalKey
	if oldKey != nil {
		prev = oldKey.active
	} else {
		p, err := s.mgr.UnwrapKey(ctx, name, e.Blob[:])
		if err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		prev = keyFromPayload(p)
	}

	k, err := s.newKey(ctx, op, e.Type)
	if err != nil {
		return nil, err
	}
	blob, err := s.mgr.WrapKey(ctx, name, k.payload())
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	wik := &WrappedInternalKey{
		Relation:      relation,
		Type:          e.Type,
		PrincipalName: name,
		StartLSN:      k.StartLSN,
		Blob:          blob,
	}
	rec := wal.AddRelationKey{Relation: relation, Wrapped: wik.EncodeWrapped()}
	if _, err := s.log.Append(ctx, wal.TagAddRelationKey, rec.Encode()); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := s.log.Flush(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	updated := *e
	copy(updated.Blob[:], blob)
	if err := mf.writeEntry(ctx, off, &updated); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	s.cache[relation] = &cachedKey{active: k, prev: prev, gen: s.gen.Inc()}
	s.logger.Info("rotated relation key", "relation", relation)
	kc := *k
	return &kc, nil
}

// Delete tombstones the relation's entry. The slot is reclaimed at the next
// checkpoint.
func (s *Store) Delete(ctx context.Context, relation uint64) error {
	const op = "keystore.(Store).Delete"

	s.mu.Lock()
	defer s.mu.Unlock()

	mf, off, e, err := s.find(ctx, relation, false)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if e == nil {
		return errors.New(ctx, errors.KeyNotFound, op, "no key for relation")
	}

	rec := wal.RemoveRelationKey{Relation: relation}
	if _, err := s.log.Append(ctx, wal.TagRemoveRelationKey, rec.Encode()); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := s.log.Flush(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}

	updated := *e
	updated.Flags = flagTombstone
	if err := mf.writeEntry(ctx, off, &updated); err != nil {
		return errors.Wrap(ctx, err, op)
	}

	delete(s.cache, relation)
	s.gen.Inc()
	s.logger.Info("deleted relation key", "relation", relation)
	return nil
}

// KeyForLSN returns the key version that applies to a block stamped with
// lsn. A key's StartLSN is the journal position just before its own record,
// so a block stamped exactly there was still written under the predecessor:
// ties resolve to the retained old key, and only strictly later stamps pick
// the active one.
func (s *Store) KeyForLSN(ctx context.Context, relation uint64, lsn wal.LSN) (*InternalKey, error) {
	const op = "keystore.(Store).KeyForLSN"
	if _, err := s.Get(ctx, relation); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[relation]
	if !ok {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no key for relation")
	}
	if lsn > c.active.StartLSN || c.prev == nil {
		k := *c.active
		return &k, nil
	}
	k := *c.prev
	return &k, nil
}

// Reclaim links tombstoned slots into the free list. Called at checkpoint,
// once no outstanding read can reference the retired entries.
func (s *Store) Reclaim(ctx context.Context) error {
	const op = "keystore.(Store).Reclaim"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mf := range s.files() {
		var tombstones []int64
		err := mf.scan(ctx, func(off int64, e *entry) (bool, error) {
			if e.tombstone() {
				tombstones = append(tombstones, off)
			}
			return false, nil
		})
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		for _, off := range tombstones {
			if err := mf.release(ctx, off); err != nil {
				return errors.Wrap(ctx, err, op)
			}
		}
	}
	// Retired predecessors are no longer reachable either.
	for _, c := range s.cache {
		c.prev = nil
	}
	s.gen.Inc()
	return nil
}

func (s *Store) wrappingPrincipal(ctx context.Context, op errors.Op, principalName string) (string, error) {
	active := s.mgr.Active()
	if active == "" {
		return "", errors.New(ctx, errors.KeyNotFound, op, "principal key not configured")
	}
	if principalName != "" && principalName != active {
		// One map file is wrapped under one principal at a time; moving a
		// single relation to another principal would make the file
		// unreadable. Rotating the principal re-wraps everything.
		return "", errors.New(ctx, errors.InvalidParameter, op, "relation keys are wrapped under the active principal; rotate the principal instead")
	}
	return active, nil
}

func (s *Store) newKey(ctx context.Context, op errors.Op, typ KeyType) (*InternalKey, error) {
	raw, err := uuid.GenerateRandomBytes(32)
	if err != nil {
		return nil, errors.New(ctx, errors.RngFailure, op, "could not generate key material", errors.WithWrap(err))
	}
	k := &InternalKey{Type: typ, StartLSN: s.log.End()}
	copy(k.Key[:], raw[:16])
	copy(k.BaseIV[:], raw[16:32])
	return k, nil
}

// writeWrapped installs a wrapped blob for relation: the existing slot when
// one exists, a fresh one otherwise. Callers hold s.mu exclusively.
func (s *Store) writeWrapped(ctx context.Context, op errors.Op, relation uint64, typ KeyType, blob []byte) error {
	mf, off, e, err := s.find(ctx, relation, true)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if e == nil {
		mf, off, err = s.allocate(ctx)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
	}
	fresh := &entry{Relation: relation, Type: typ, Flags: flagActive}
	copy(fresh.Blob[:], blob)
	if err := mf.writeEntry(ctx, off, fresh); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}
