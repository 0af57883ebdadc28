// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keystore

import (
	"context"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/principal"
	"github.com/cipherstack/tde/internal/wal"
	"github.com/hashicorp/go-multierror"
)

// PrepareRewrap unwraps every active entry under the old principal key and
// re-wraps it under the new one, in memory. Nothing is written: the caller
// journals the result and then applies it with CommitRewrap, so a crash in
// between replays to a consistent state. The latch is held exclusively from
// here through commit via the returned release func.
//
// If any single entry fails to re-wrap the whole batch is abandoned and all
// failures are reported together.
func (s *Store) PrepareRewrap(ctx context.Context, oldName, newName string) ([]wal.Rewrap, func(), error) {
	const op = "keystore.(Store).PrepareRewrap"

	oldKey, err := s.mgr.Fetch(ctx, oldName)
	if err != nil {
		return nil, nil, errors.Wrap(ctx, err, op)
	}
	newKey, err := s.mgr.Fetch(ctx, newName)
	if err != nil {
		return nil, nil, errors.Wrap(ctx, err, op)
	}

	s.mu.Lock()
	release := s.mu.Unlock

	var rewraps []wal.Rewrap
	var merr *multierror.Error
	for _, mf := range s.files() {
		err := mf.scan(ctx, func(off int64, e *entry) (bool, error) {
			if !e.active() {
				return false, nil
			}
			p, err := principal.Unwrap(ctx, oldKey, e.Blob[:])
			if err != nil {
				merr = multierror.Append(merr, errors.Wrap(ctx, err, op, errors.WithOffset(off)))
				return false, nil
			}
			blob, err := principal.Wrap(ctx, newKey, p)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrap(ctx, err, op, errors.WithOffset(off)))
				return false, nil
			}
			wik := &WrappedInternalKey{
				Relation:      e.Relation,
				Type:          e.Type,
				PrincipalName: newName,
				StartLSN:      wal.LSN(p.StartLSN),
				Blob:          blob,
			}
			rewraps = append(rewraps, wal.Rewrap{Relation: e.Relation, Wrapped: wik.EncodeWrapped()})
			return false, nil
		})
		if err != nil {
			release()
			return nil, nil, errors.Wrap(ctx, err, op)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		release()
		return nil, nil, err
	}
	return rewraps, release, nil
}

// CommitRewrap overwrites the map entries with the journaled re-wrapped
// blobs. Called with the latch still held from PrepareRewrap. Idempotent, so
// crash recovery can apply the same batch again.
func (s *Store) CommitRewrap(ctx context.Context, rewraps []wal.Rewrap) error {
	const op = "keystore.(Store).CommitRewrap"
	if err := s.commitRewrapLocked(ctx, rewraps); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	s.gen.Inc()
	return nil
}

func (s *Store) commitRewrapLocked(ctx context.Context, rewraps []wal.Rewrap) error {
	const op = "keystore.(Store).commitRewrapLocked"
	for _, rw := range rewraps {
		wik, err := DecodeWrapped(ctx, rw.Relation, rw.Wrapped)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		if err := s.writeWrapped(ctx, op, wik.Relation, wik.Type, wik.Blob); err != nil {
			return err
		}
	}
	return nil
}

// ApplyAdd replays an ADD_RELATION_KEY record. It installs the wrapped blob
// without contacting any provider; a later Get unwraps on demand. Replaying
// an entry that already exists overwrites it, which makes rotation records
// (re-adds of the same relation) land correctly.
func (s *Store) ApplyAdd(ctx context.Context, rec wal.AddRelationKey) error {
	const op = "keystore.(Store).ApplyAdd"
	wik, err := DecodeWrapped(ctx, rec.Relation, rec.Wrapped)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeWrapped(ctx, op, wik.Relation, wik.Type, wik.Blob); err != nil {
		return err
	}
	delete(s.cache, wik.Relation)
	return nil
}

// ApplyRemove replays a REMOVE_RELATION_KEY record. Removing an absent
// entry is a no-op: the map may already reflect the change.
func (s *Store) ApplyRemove(ctx context.Context, rec wal.RemoveRelationKey) error {
	const op = "keystore.(Store).ApplyRemove"

	s.mu.Lock()
	defer s.mu.Unlock()
	mf, off, e, err := s.find(ctx, rec.Relation, false)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if e == nil {
		return nil
	}
	updated := *e
	updated.Flags = flagTombstone
	if err := mf.writeEntry(ctx, off, &updated); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	delete(s.cache, rec.Relation)
	return nil
}

// ApplyRotatePrincipal replays a ROTATE_PRINCIPAL_KEY record by applying its
// journaled re-wraps.
func (s *Store) ApplyRotatePrincipal(ctx context.Context, rec wal.RotatePrincipalKey) error {
	const op = "keystore.(Store).ApplyRotatePrincipal"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitRewrapLocked(ctx, rec.Rewraps); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}
