// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package principal

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cipherstack/tde/internal/errors"
	"github.com/cipherstack/tde/internal/wal"
)

const catalogFileName = "tde.principals"

// catalog is the durable name-to-provider map for principal keys. The
// journal is the source of truth; this file is the materialized state,
// rewritten wholesale on every change.
type catalog struct {
	mu   sync.RWMutex
	path string
	keys map[string]uint64 // name -> provider id
}

func loadCatalog(ctx context.Context, dir string) (*catalog, error) {
	const op = "principal.loadCatalog"
	c := &catalog{
		path: filepath.Join(dir, catalogFileName),
		keys: make(map[string]uint64),
	}
	buf, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errors.New(ctx, errors.Io, op, "could not read principal catalog", errors.WithWrap(err))
	}
	off := int64(0)
	for len(buf) >= 4 {
		n := int(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		if len(buf) < n {
			return nil, errors.New(ctx, errors.MapCorruption, op, "truncated principal record", errors.WithOffset(off))
		}
		rec, err := wal.DecodeAddPrincipalKey(ctx, buf[:n])
		if err != nil {
			return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.MapCorruption), errors.WithOffset(off))
		}
		c.keys[rec.Name] = rec.ProviderID
		buf = buf[n:]
		off += 4 + int64(n)
	}
	if len(buf) != 0 {
		return nil, errors.New(ctx, errors.MapCorruption, op, "trailing garbage in principal catalog", errors.WithOffset(off))
	}
	return c, nil
}

func (c *catalog) provider(name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.keys[name]
	return id, ok
}

func (c *catalog) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.keys))
	for name := range c.keys {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *catalog) add(ctx context.Context, name string, providerID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[name] = providerID
	return c.store(ctx)
}

func (c *catalog) remove(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, name)
	return c.store(ctx)
}

// store is called with c.mu held.
func (c *catalog) store(ctx context.Context) error {
	const op = "principal.(catalog).store"
	names := make([]string, 0, len(c.keys))
	for name := range c.keys {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf []byte
	for _, name := range names {
		body := wal.AddPrincipalKey{ProviderID: c.keys[name], Name: name}.Encode()
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
		buf = append(buf, body...)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return errors.New(ctx, errors.Io, op, "could not write principal catalog", errors.WithWrap(err))
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return errors.New(ctx, errors.Io, op, "could not install principal catalog", errors.WithWrap(err))
	}
	return nil
}
