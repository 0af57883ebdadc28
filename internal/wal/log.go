// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"
)

const (
	logFileName        = "tde.wal"
	checkpointFileName = "tde.checkpoint"

	// frameHeaderSize is uint32 length + uint32 CRC.
	frameHeaderSize = 8
)

// Log is an append-only journal of key-lifecycle records. Appends are
// serialized; Flush must return before any lifecycle operation acknowledges.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	dir    string
	end    atomic.Uint64 // next append position
	logger hclog.Logger
}

// Open opens (creating if needed) the journal in dir.
func Open(ctx context.Context, dir string, opt ...Option) (*Log, error) {
	const op = "wal.Open"
	opts := getOpts(opt...)

	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.New(ctx, errors.Io, op, "could not open log file", errors.WithWrap(err))
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.New(ctx, errors.Io, op, "could not stat log file", errors.WithWrap(err))
	}
	l := &Log{
		f:      f,
		dir:    dir,
		logger: opts.withLogger,
	}
	if l.logger == nil {
		l.logger = hclog.NewNullLogger()
	}
	l.end.Store(uint64(fi.Size()))
	return l, nil
}

// Close closes the journal.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// End returns the position the next record will be appended at.
func (l *Log) End() LSN {
	return LSN(l.end.Load())
}

// Append frames the record and appends it, returning the record's LSN. The
// record is not durable until Flush returns.
func (l *Log) Append(ctx context.Context, tag Tag, body []byte) (LSN, error) {
	const op = "wal.(Log).Append"

	frame := make([]byte, frameHeaderSize+2+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(2+len(body)))
	frame[8] = ResourceManagerID
	frame[9] = byte(tag)
	copy(frame[10:], body)
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(frame[8:]))

	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.end.Load()
	if _, err := l.f.WriteAt(frame, int64(lsn)); err != nil {
		return 0, errors.New(ctx, errors.WalSerialization, op, "could not append log record", errors.WithWrap(err))
	}
	l.end.Store(lsn + uint64(len(frame)))
	l.logger.Trace("appended log record", "tag", tag.String(), "lsn", lsn, "len", len(body))
	return LSN(lsn), nil
}

// Flush makes all appended records durable.
func (l *Log) Flush(ctx context.Context) error {
	const op = "wal.(Log).Flush"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		return errors.New(ctx, errors.WalSerialization, op, "could not flush log", errors.WithWrap(err))
	}
	return nil
}

// Checkpoint durably records from as the position recovery will replay from.
func (l *Log) Checkpoint(ctx context.Context, from LSN) error {
	const op = "wal.(Log).Checkpoint"
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(from))
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[0:8]))

	path := filepath.Join(l.dir, checkpointFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0o600); err != nil {
		return errors.New(ctx, errors.Io, op, "could not write checkpoint", errors.WithWrap(err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.New(ctx, errors.Io, op, "could not install checkpoint", errors.WithWrap(err))
	}
	return nil
}

// LastCheckpoint returns the position replay should start from, or 0 when no
// checkpoint has been taken.
func (l *Log) LastCheckpoint(ctx context.Context) (LSN, error) {
	const op = "wal.(Log).LastCheckpoint"
	buf, err := os.ReadFile(filepath.Join(l.dir, checkpointFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.New(ctx, errors.Io, op, "could not read checkpoint", errors.WithWrap(err))
	}
	if len(buf) != 12 || crc32.ChecksumIEEE(buf[0:8]) != binary.LittleEndian.Uint32(buf[8:12]) {
		// A damaged checkpoint only widens the replay window.
		l.logger.Warn("checkpoint file damaged, replaying from log start")
		return 0, nil
	}
	return LSN(binary.LittleEndian.Uint64(buf[0:8])), nil
}

// Replay reads records in strict LSN order starting at from and hands each to
// apply. A torn or damaged frame ends replay at that point; everything before
// it has already been applied. Handlers must be idempotent and must not touch
// the network.
func (l *Log) Replay(ctx context.Context, from LSN, apply func(context.Context, Record) error) error {
	const op = "wal.(Log).Replay"

	pos := int64(from)
	end := int64(l.end.Load())
	var header [frameHeaderSize + 2]byte

	for pos < end {
		if _, err := l.f.ReadAt(header[:], pos); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				l.logger.Warn("torn record at log tail", "lsn", pos)
				return nil
			}
			return errors.New(ctx, errors.WalSerialization, op, "could not read record header", errors.WithWrap(err))
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])
		if length < 2 || pos+frameHeaderSize+int64(length) > end {
			l.logger.Warn("torn record at log tail", "lsn", pos)
			return nil
		}

		payload := make([]byte, length)
		if _, err := l.f.ReadAt(payload, pos+frameHeaderSize); err != nil {
			l.logger.Warn("torn record at log tail", "lsn", pos)
			return nil
		}
		if crc32.ChecksumIEEE(payload) != crc {
			l.logger.Warn("record failed checksum, ending replay", "lsn", pos)
			return nil
		}

		if payload[0] == ResourceManagerID {
			rec := Record{
				LSN:  LSN(pos),
				Tag:  Tag(payload[1]),
				Body: payload[2:],
			}
			if err := apply(ctx, rec); err != nil {
				return errors.Wrap(ctx, err, op)
			}
		}
		pos += frameHeaderSize + int64(length)
	}
	return nil
}
