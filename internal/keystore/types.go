// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package keystore has durable custody of per-relation data keys. Keys live
// wrapped in the map file and are unwrapped on demand through the
// principal-key manager; plaintext keys exist only in the in-memory cache,
// which is rebuilt on every process start.
package keystore

import (
	"context"
	"encoding/binary"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/principal"
	"github.com/cipherstack/tde/internal/wal"
)

// KeyType classifies what a data key protects.
type KeyType uint8

const (
	// KeyTypeSmgr is a per-relation storage key.
	KeyTypeSmgr KeyType = 0
	// KeyTypeGlobal protects the journal and shared catalogs.
	KeyTypeGlobal KeyType = 1
	// KeyTypeMap is internal bookkeeping.
	KeyTypeMap KeyType = 2
)

func (t KeyType) valid() bool {
	return t <= KeyTypeMap
}

func (t KeyType) String() string {
	switch t {
	case KeyTypeSmgr:
		return "smgr"
	case KeyTypeGlobal:
		return "global"
	case KeyTypeMap:
		return "map"
	default:
		return "invalid"
	}
}

// InternalKey is a single relation's plaintext data-encryption key. The
// store owns all instances and hands out copies; callers use a copy for the
// duration of one page operation and never retain it.
type InternalKey struct {
	Type KeyType

	// Key is the AES-128 key feeding the counter stream.
	Key [16]byte

	// BaseIV is the random IV prefix; its low bits are XORed with the
	// block number to form each counter.
	BaseIV [16]byte

	// StartLSN is the journal position at which this key became
	// authoritative for its relation. Recovery uses it to pick the key
	// version for a block whose write was in flight at crash.
	StartLSN wal.LSN
}

// WrappedInternalKey is the on-disk form of an InternalKey. The plaintext
// key is never persisted.
type WrappedInternalKey struct {
	Relation      uint64
	Type          KeyType
	PrincipalName string
	StartLSN      wal.LSN

	// Blob is the AES-CBC ciphertext of key ∥ base_iv ∥ type ∥ start_lsn.
	Blob []byte
}

// EncodeWrapped serializes the wrapped key for a journal record body
// (everything except the relation id, which the record carries itself).
func (w *WrappedInternalKey) EncodeWrapped() []byte {
	buf := make([]byte, 0, 1+8+2+len(w.PrincipalName)+4+len(w.Blob))
	buf = append(buf, byte(w.Type))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(w.StartLSN))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(w.PrincipalName)))
	buf = append(buf, w.PrincipalName...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(w.Blob)))
	buf = append(buf, w.Blob...)
	return buf
}

// DecodeWrapped parses a journal record body produced by EncodeWrapped.
func DecodeWrapped(ctx context.Context, relation uint64, buf []byte) (*WrappedInternalKey, error) {
	const op = "keystore.DecodeWrapped"
	bad := func() error {
		return errors.New(ctx, errors.WalSerialization, op, "truncated wrapped key")
	}
	if len(buf) < 1+8+2 {
		return nil, bad()
	}
	w := &WrappedInternalKey{Relation: relation, Type: KeyType(buf[0])}
	w.StartLSN = wal.LSN(binary.LittleEndian.Uint64(buf[1:9]))
	n := int(binary.LittleEndian.Uint16(buf[9:11]))
	buf = buf[11:]
	if len(buf) < n+4 {
		return nil, bad()
	}
	w.PrincipalName = string(buf[:n])
	buf = buf[n:]
	bn := int(binary.LittleEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if len(buf) != bn {
		return nil, bad()
	}
	if bn != principal.WrappedSize {
		return nil, errors.New(ctx, errors.WrapSizeMismatch, op, "wrapped payload has wrong length")
	}
	w.Blob = append([]byte(nil), buf...)
	if !w.Type.valid() {
		return nil, errors.New(ctx, errors.WalSerialization, op, "invalid key type")
	}
	return w, nil
}

// payload converts between the wrap codec's view and the store's view.
func (k *InternalKey) payload() principal.Payload {
	p := principal.Payload{
		Type:     byte(k.Type),
		StartLSN: uint64(k.StartLSN),
	}
	copy(p.Key[:], k.Key[:])
	copy(p.BaseIV[:], k.BaseIV[:])
	return p
}

func keyFromPayload(p principal.Payload) *InternalKey {
	k := &InternalKey{
		Type:     KeyType(p.Type),
		StartLSN: wal.LSN(p.StartLSN),
	}
	copy(k.Key[:], p.Key[:])
	copy(k.BaseIV[:], p.BaseIV[:])
	return k
}
