// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"context"
	"encoding/binary"

	"github.com/cipherstack/tde/internal/errors"
)

// Record bodies are fixed little-endian layouts: integers inline, strings as
// uint16 length + bytes, blobs as uint32 length + bytes. The log frame
// (length + CRC) already delimits and protects the body.

// AddRelationKey records a new wrapped key for a relation.
type AddRelationKey struct {
	Relation uint64
	Wrapped  []byte
}

// RemoveRelationKey records a relation key deletion.
type RemoveRelationKey struct {
	Relation uint64
}

// AddPrincipalKey records the creation of a principal key on a provider.
type AddPrincipalKey struct {
	ProviderID uint64
	Name       string
}

// Rewrap is one relation's re-wrapped key blob inside a principal rotation.
type Rewrap struct {
	Relation uint64
	Wrapped  []byte
}

// RotatePrincipalKey records a completed principal rotation together with
// every re-wrapped relation key, so replay can apply the rotation without
// reaching the provider.
type RotatePrincipalKey struct {
	OldName string
	NewName string
	Rewraps []Rewrap
}

// DeletePrincipalKey records a principal key deletion.
type DeletePrincipalKey struct {
	Name string
}

// WriteKeyProvider records a provider registry mutation. Credentials are the
// sealed (bootstrap-wrapped) form, never plaintext. Deleted marks a registry
// tombstone; the remaining fields still identify the provider.
type WriteKeyProvider struct {
	ProviderID  uint64
	Name        string
	Kind        string
	Endpoint    string
	Credentials []byte
	Deleted     bool
}

// InstallExtension records that a database installed the extension.
type InstallExtension struct {
	DatabaseID uint64
}

type encoder struct {
	buf []byte
}

func (e *encoder) uint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) str(s string) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) blob(b []byte) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(b)))
	e.buf = append(e.buf, b...)
}

type decoder struct {
	buf []byte
	bad bool
}

func (d *decoder) uint64() uint64 {
	if len(d.buf) < 8 {
		d.bad = true
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) str() string {
	if len(d.buf) < 2 {
		d.bad = true
		return ""
	}
	n := int(binary.LittleEndian.Uint16(d.buf))
	d.buf = d.buf[2:]
	if len(d.buf) < n {
		d.bad = true
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

func (d *decoder) blob() []byte {
	if len(d.buf) < 4 {
		d.bad = true
		return nil
	}
	n := int(binary.LittleEndian.Uint32(d.buf))
	d.buf = d.buf[4:]
	if len(d.buf) < n {
		d.bad = true
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[:n])
	d.buf = d.buf[n:]
	return b
}

func decodeErr(ctx context.Context, op errors.Op, tag Tag) error {
	return errors.New(ctx, errors.WalSerialization, op, "truncated "+tag.String()+" record body")
}

func (r AddRelationKey) Encode() []byte {
	var e encoder
	e.uint64(r.Relation)
	e.blob(r.Wrapped)
	return e.buf
}

func DecodeAddRelationKey(ctx context.Context, body []byte) (AddRelationKey, error) {
	const op = "wal.DecodeAddRelationKey"
	d := decoder{buf: body}
	r := AddRelationKey{Relation: d.uint64(), Wrapped: d.blob()}
	if d.bad {
		return AddRelationKey{}, decodeErr(ctx, op, TagAddRelationKey)
	}
	return r, nil
}

func (r RemoveRelationKey) Encode() []byte {
	var e encoder
	e.uint64(r.Relation)
	return e.buf
}

func DecodeRemoveRelationKey(ctx context.Context, body []byte) (RemoveRelationKey, error) {
	const op = "wal.DecodeRemoveRelationKey"
	d := decoder{buf: body}
	r := RemoveRelationKey{Relation: d.uint64()}
	if d.bad {
		return RemoveRelationKey{}, decodeErr(ctx, op, TagRemoveRelationKey)
	}
	return r, nil
}

func (r AddPrincipalKey) Encode() []byte {
	var e encoder
	e.uint64(r.ProviderID)
	e.str(r.Name)
	return e.buf
}

func DecodeAddPrincipalKey(ctx context.Context, body []byte) (AddPrincipalKey, error) {
	const op = "wal.DecodeAddPrincipalKey"
	d := decoder{buf: body}
	r := AddPrincipalKey{ProviderID: d.uint64(), Name: d.str()}
	if d.bad {
		return AddPrincipalKey{}, decodeErr(ctx, op, TagAddPrincipalKey)
	}
	return r, nil
}

func (r RotatePrincipalKey) Encode() []byte {
	var e encoder
	e.str(r.OldName)
	e.str(r.NewName)
	e.uint64(uint64(len(r.Rewraps)))
	for _, rw := range r.Rewraps {
		e.uint64(rw.Relation)
		e.blob(rw.Wrapped)
	}
	return e.buf
}

func DecodeRotatePrincipalKey(ctx context.Context, body []byte) (RotatePrincipalKey, error) {
	const op = "wal.DecodeRotatePrincipalKey"
	d := decoder{buf: body}
	r := RotatePrincipalKey{OldName: d.str(), NewName: d.str()}
	n := d.uint64()
	for i := uint64(0); i < n && !d.bad; i++ {
		r.Rewraps = append(r.Rewraps, Rewrap{Relation: d.uint64(), Wrapped: d.blob()})
	}
	if d.bad {
		return RotatePrincipalKey{}, decodeErr(ctx, op, TagRotatePrincipalKey)
	}
	return r, nil
}

func (r DeletePrincipalKey) Encode() []byte {
	var e encoder
	e.str(r.Name)
	return e.buf
}

func DecodeDeletePrincipalKey(ctx context.Context, body []byte) (DeletePrincipalKey, error) {
	const op = "wal.DecodeDeletePrincipalKey"
	d := decoder{buf: body}
	r := DeletePrincipalKey{Name: d.str()}
	if d.bad {
		return DeletePrincipalKey{}, decodeErr(ctx, op, TagDeletePrincipalKey)
	}
	return r, nil
}

func (r WriteKeyProvider) Encode() []byte {
	var e encoder
	e.uint64(r.ProviderID)
	e.str(r.Name)
	e.str(r.Kind)
	e.str(r.Endpoint)
	e.blob(r.Credentials)
	if r.Deleted {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	return e.buf
}

func DecodeWriteKeyProvider(ctx context.Context, body []byte) (WriteKeyProvider, error) {
	const op = "wal.DecodeWriteKeyProvider"
	d := decoder{buf: body}
	r := WriteKeyProvider{
		ProviderID:  d.uint64(),
		Name:        d.str(),
		Kind:        d.str(),
		Endpoint:    d.str(),
		Credentials: d.blob(),
	}
	if !d.bad && len(d.buf) >= 1 {
		r.Deleted = d.buf[0] == 1
		d.buf = d.buf[1:]
	} else {
		d.bad = true
	}
	if d.bad {
		return WriteKeyProvider{}, decodeErr(ctx, op, TagWriteKeyProvider)
	}
	return r, nil
}

func (r InstallExtension) Encode() []byte {
	var e encoder
	e.uint64(r.DatabaseID)
	return e.buf
}

func DecodeInstallExtension(ctx context.Context, body []byte) (InstallExtension, error) {
	const op = "wal.DecodeInstallExtension"
	d := decoder{buf: body}
	r := InstallExtension{DatabaseID: d.uint64()}
	if d.bad {
		return InstallExtension{}, decodeErr(ctx, op, TagInstallExtension)
	}
	return r, nil
}
