// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keystore

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/principal"
	"golang.org/x/sys/unix"
)

// Map file layout:
//
//	offset 0:  8-byte magic "TDEMAP\x00\x01"
//	offset 8:  uint32 version
//	offset 12: uint32 reserved (MBZ)
//	offset 16: uint64 free-list head (byte offset of first free entry, 0 = none)
//	offset 24: repeated 128-byte entries
//
// Entry layout:
//
//	0:   uint64 relation id (doubles as next-free offset on the free list)
//	8:   type byte
//	9:   flags byte (bit 0 active, bit 1 tombstoned)
//	10:  6 reserved bytes (MBZ, rejected on read)
//	16:  48-byte wrapped payload + 64 reserved bytes (MBZ, rejected on read)
const (
	mapMagic      = "TDEMAP\x00\x01"
	mapVersion    = 1
	mapHeaderSize = 24
	mapEntrySize  = 128

	flagActive    = 0x1
	flagTombstone = 0x2

	// primaryEntryLimit is the fixed size of the primary region; entries
	// beyond it spill into the linked secondary file.
	primaryEntryLimit = 1024
)

// entry is one 128-byte map file slot.
type entry struct {
	Relation uint64
	Type     KeyType
	Flags    byte
	Blob     [principal.WrappedSize]byte
}

func (e *entry) active() bool    { return e.Flags&flagActive != 0 }
func (e *entry) tombstone() bool { return e.Flags&flagTombstone != 0 }
func (e *entry) free() bool      { return e.Flags == 0 }

func (e *entry) encode() [mapEntrySize]byte {
	var buf [mapEntrySize]byte
	binary.LittleEndian.PutUint64(buf[0:8], e.Relation)
	buf[8] = byte(e.Type)
	buf[9] = e.Flags
	copy(buf[16:16+principal.WrappedSize], e.Blob[:])
	return buf
}

func decodeEntry(ctx context.Context, buf []byte, off int64) (*entry, error) {
	const op = "keystore.decodeEntry"
	e := &entry{
		Relation: binary.LittleEndian.Uint64(buf[0:8]),
		Type:     KeyType(buf[8]),
		Flags:    buf[9],
	}
	for i := 10; i < 16; i++ {
		if buf[i] != 0 {
			return nil, errors.New(ctx, errors.MapCorruption, op, "reserved entry bytes are not zero", errors.WithOffset(off+int64(i)))
		}
	}
	for i := 16 + principal.WrappedSize; i < mapEntrySize; i++ {
		if buf[i] != 0 {
			return nil, errors.New(ctx, errors.MapCorruption, op, "reserved payload bytes are not zero", errors.WithOffset(off+int64(i)))
		}
	}
	copy(e.Blob[:], buf[16:16+principal.WrappedSize])
	return e, nil
}

// mapFile is one self-describing file of wrapped key entries with an
// intrusive free list. Mutations happen under an exclusive flock so the file
// can be shared across processes.
type mapFile struct {
	f     *os.File
	path  string
	limit int // max entries, 0 = unbounded
}

func openMapFile(ctx context.Context, path string, limit int, create bool) (*mapFile, error) {
	const op = "keystore.openMapFile"
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(ctx, errors.KeyNotFound, op, "map file does not exist")
		}
		return nil, errors.New(ctx, errors.Io, op, "could not open map file", errors.WithWrap(err))
	}
	m := &mapFile{f: f, path: path, limit: limit}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.New(ctx, errors.Io, op, "could not stat map file", errors.WithWrap(err))
	}
	if fi.Size() == 0 {
		if err := m.writeHeader(ctx, 0); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(ctx, err, op)
		}
		return m, nil
	}
	if err := m.validate(ctx, fi.Size()); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(ctx, err, op)
	}
	return m, nil
}

func (m *mapFile) close() error {
	return m.f.Close()
}

func (m *mapFile) validate(ctx context.Context, size int64) error {
	const op = "keystore.(mapFile).validate"
	var hdr [mapHeaderSize]byte
	if _, err := m.f.ReadAt(hdr[:], 0); err != nil {
		return errors.New(ctx, errors.MapCorruption, op, "short header", errors.WithOffset(0), errors.WithWrap(err))
	}
	if string(hdr[0:8]) != mapMagic {
		return errors.New(ctx, errors.MapCorruption, op, "bad magic", errors.WithOffset(0))
	}
	if v := binary.LittleEndian.Uint32(hdr[8:12]); v != mapVersion {
		return errors.New(ctx, errors.MapCorruption, op, "unsupported version", errors.WithOffset(8))
	}
	if r := binary.LittleEndian.Uint32(hdr[12:16]); r != 0 {
		return errors.New(ctx, errors.MapCorruption, op, "reserved header bytes are not zero", errors.WithOffset(12))
	}
	if (size-mapHeaderSize)%mapEntrySize != 0 {
		return errors.New(ctx, errors.MapCorruption, op, "torn entry region", errors.WithOffset(size-(size-mapHeaderSize)%mapEntrySize))
	}
	return nil
}

func (m *mapFile) writeHeader(ctx context.Context, freeHead uint64) error {
	const op = "keystore.(mapFile).writeHeader"
	if err := m.lock(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	defer m.unlock()
	return m.writeHeaderLocked(ctx, freeHead)
}

func (m *mapFile) writeHeaderLocked(ctx context.Context, freeHead uint64) error {
	const op = "keystore.(mapFile).writeHeaderLocked"
	var hdr [mapHeaderSize]byte
	copy(hdr[0:8], mapMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], mapVersion)
	binary.LittleEndian.PutUint64(hdr[16:24], freeHead)
	if _, err := m.f.WriteAt(hdr[:], 0); err != nil {
		return errors.New(ctx, errors.Io, op, "could not write map header", errors.WithWrap(err))
	}
	return m.sync(ctx)
}

func (m *mapFile) freeHead(ctx context.Context) (uint64, error) {
	const op = "keystore.(mapFile).freeHead"
	var buf [8]byte
	if _, err := m.f.ReadAt(buf[:], 16); err != nil {
		return 0, errors.New(ctx, errors.Io, op, "could not read free-list head", errors.WithWrap(err))
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *mapFile) sync(ctx context.Context) error {
	const op = "keystore.(mapFile).sync"
	if err := m.f.Sync(); err != nil {
		return errors.New(ctx, errors.Io, op, "could not sync map file", errors.WithWrap(err))
	}
	return nil
}

// lock takes the exclusive flock that serializes mutations across processes
// sharing the map file. The in-process latch is the store's; this one only
// fences other processes.
func (m *mapFile) lock(ctx context.Context) error {
	const op = "keystore.(mapFile).lock"
	if err := unix.Flock(int(m.f.Fd()), unix.LOCK_EX); err != nil {
		return errors.New(ctx, errors.Io, op, "could not lock map file", errors.WithWrap(err))
	}
	return nil
}

func (m *mapFile) unlock() { _ = unix.Flock(int(m.f.Fd()), unix.LOCK_UN) }

func (m *mapFile) entryCount(ctx context.Context) (int64, error) {
	const op = "keystore.(mapFile).entryCount"
	fi, err := m.f.Stat()
	if err != nil {
		return 0, errors.New(ctx, errors.Io, op, "could not stat map file", errors.WithWrap(err))
	}
	return (fi.Size() - mapHeaderSize) / mapEntrySize, nil
}

func (m *mapFile) readEntry(ctx context.Context, off int64) (*entry, error) {
	const op = "keystore.(mapFile).readEntry"
	var buf [mapEntrySize]byte
	if _, err := m.f.ReadAt(buf[:], off); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.New(ctx, errors.MapCorruption, op, "short entry", errors.WithOffset(off))
		}
		return nil, errors.New(ctx, errors.Io, op, "could not read map entry", errors.WithWrap(err))
	}
	return decodeEntry(ctx, buf[:], off)
}

func (m *mapFile) writeEntry(ctx context.Context, off int64, e *entry) error {
	const op = "keystore.(mapFile).writeEntry"
	if err := m.lock(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	defer m.unlock()
	return m.writeEntryLocked(ctx, off, e)
}

func (m *mapFile) writeEntryLocked(ctx context.Context, off int64, e *entry) error {
	const op = "keystore.(mapFile).writeEntryLocked"
	buf := e.encode()
	if _, err := m.f.WriteAt(buf[:], off); err != nil {
		return errors.New(ctx, errors.Io, op, "could not write map entry", errors.WithWrap(err))
	}
	return m.sync(ctx)
}

// scan walks every entry in file order. fn returning stop=true ends the walk.
func (m *mapFile) scan(ctx context.Context, fn func(off int64, e *entry) (stop bool, err error)) error {
	const op = "keystore.(mapFile).scan"
	n, err := m.entryCount(ctx)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	for i := int64(0); i < n; i++ {
		off := int64(mapHeaderSize + i*mapEntrySize)
		e, err := m.readEntry(ctx, off)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		stop, err := fn(off, e)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		if stop {
			return nil
		}
	}
	return nil
}

// allocate returns the offset to write a new entry at: the free-list head if
// one exists, otherwise a fresh slot at the end of the file. ok is false when
// the file is at its fixed entry limit.
func (m *mapFile) allocate(ctx context.Context) (off int64, ok bool, err error) {
	const op = "keystore.(mapFile).allocate"
	if err := m.lock(ctx); err != nil {
		return 0, false, errors.Wrap(ctx, err, op)
	}
	defer m.unlock()

	head, err := m.freeHead(ctx)
	if err != nil {
		return 0, false, errors.Wrap(ctx, err, op)
	}
	if head != 0 {
		e, err := m.readEntry(ctx, int64(head))
		if err != nil {
			return 0, false, errors.Wrap(ctx, err, op)
		}
		// The freed slot's relation field chains to the next free slot.
		if err := m.writeHeaderLocked(ctx, e.Relation); err != nil {
			return 0, false, errors.Wrap(ctx, err, op)
		}
		return int64(head), true, nil
	}
	n, err := m.entryCount(ctx)
	if err != nil {
		return 0, false, errors.Wrap(ctx, err, op)
	}
	if m.limit > 0 && n >= int64(m.limit) {
		return 0, false, nil
	}
	return int64(mapHeaderSize + n*mapEntrySize), true, nil
}

// release zeroizes a slot and pushes it onto the free list.
func (m *mapFile) release(ctx context.Context, off int64) error {
	const op = "keystore.(mapFile).release"
	if err := m.lock(ctx); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	defer m.unlock()

	head, err := m.freeHead(ctx)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	freed := &entry{Relation: head}
	if err := m.writeEntryLocked(ctx, off, freed); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := m.writeHeaderLocked(ctx, uint64(off)); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}
