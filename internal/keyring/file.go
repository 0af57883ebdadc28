// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keyring

import (
	"context"
	"encoding/hex"
	"os"
	"strings"

	"github.com/cipherstack/tde/internal/errors"
	"golang.org/x/sys/unix"
)

// fileKeyring stores principal keys in a line-oriented "name:hexkey" file.
// Keys are kept in cleartext, so the file must live on an operator-protected
// filesystem. Every mutation happens under an exclusive flock; reads take a
// shared one.
type fileKeyring struct {
	path string
}

func newFileKeyring(ctx context.Context, path string) (*fileKeyring, error) {
	const op = "keyring.newFileKeyring"
	if path == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing key file path")
	}
	return &fileKeyring{path: path}, nil
}

func (k *fileKeyring) Describe() Description {
	return Description{Kind: KindFile, Endpoint: k.path}
}

func (k *fileKeyring) open(ctx context.Context, flags int, lock int) (*os.File, error) {
	const op = "keyring.(fileKeyring).open"
	f, err := os.OpenFile(k.path, flags, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(ctx, errors.KeyNotFound, op, "key file does not exist")
		}
		return nil, errors.New(ctx, errors.ProviderUnavailable, op, "could not open key file", errors.WithWrap(err))
	}
	if err := unix.Flock(int(f.Fd()), lock); err != nil {
		_ = f.Close()
		return nil, errors.New(ctx, errors.ProviderUnavailable, op, "could not lock key file", errors.WithWrap(err))
	}
	return f, nil
}

func (k *fileKeyring) close(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

func (k *fileKeyring) load(ctx context.Context, f *os.File) (map[string]string, []string, error) {
	const op = "keyring.(fileKeyring).load"
	raw, err := os.ReadFile(k.path)
	if err != nil {
		return nil, nil, errors.New(ctx, errors.ProviderUnavailable, op, "could not read key file", errors.WithWrap(err))
	}
	entries := make(map[string]string)
	var order []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, hexKey, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if _, dup := entries[name]; !dup {
			order = append(order, name)
		}
		entries[name] = hexKey
	}
	return entries, order, nil
}

func (k *fileKeyring) store(ctx context.Context, f *os.File, entries map[string]string, order []string) error {
	const op = "keyring.(fileKeyring).store"
	var b strings.Builder
	for _, name := range order {
		if hexKey, ok := entries[name]; ok {
			b.WriteString(name)
			b.WriteString(":")
			b.WriteString(hexKey)
			b.WriteString("\n")
		}
	}
	if err := f.Truncate(0); err != nil {
		return errors.New(ctx, errors.ProviderUnavailable, op, "could not truncate key file", errors.WithWrap(err))
	}
	if _, err := f.WriteAt([]byte(b.String()), 0); err != nil {
		return errors.New(ctx, errors.ProviderUnavailable, op, "could not write key file", errors.WithWrap(err))
	}
	if err := f.Sync(); err != nil {
		return errors.New(ctx, errors.ProviderUnavailable, op, "could not sync key file", errors.WithWrap(err))
	}
	return nil
}

func (k *fileKeyring) Put(ctx context.Context, name string, key []byte) error {
	const op = "keyring.(fileKeyring).Put"
	f, err := k.open(ctx, os.O_RDWR|os.O_CREATE, unix.LOCK_EX)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	defer k.close(f)

	entries, order, err := k.load(ctx, f)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if _, ok := entries[name]; !ok {
		order = append(order, name)
	}
	entries[name] = hex.EncodeToString(key)
	return k.store(ctx, f, entries, order)
}

func (k *fileKeyring) Get(ctx context.Context, name string) ([]byte, error) {
	const op = "keyring.(fileKeyring).Get"
	f, err := k.open(ctx, os.O_RDONLY, unix.LOCK_SH)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	defer k.close(f)

	entries, _, err := k.load(ctx, f)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	hexKey, ok := entries[name]
	if !ok {
		return nil, errors.New(ctx, errors.KeyNotFound, op, "no key named "+name)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.New(ctx, errors.UnwrapFailed, op, "key file entry is not valid hex", errors.WithWrap(err))
	}
	return key, nil
}

func (k *fileKeyring) Locate(ctx context.Context, name string) (string, error) {
	const op = "keyring.(fileKeyring).Locate"
	f, err := k.open(ctx, os.O_RDONLY, unix.LOCK_SH)
	if err != nil {
		return "", errors.Wrap(ctx, err, op)
	}
	defer k.close(f)

	entries, _, err := k.load(ctx, f)
	if err != nil {
		return "", errors.Wrap(ctx, err, op)
	}
	if _, ok := entries[name]; !ok {
		return "", errors.New(ctx, errors.KeyNotFound, op, "no key named "+name)
	}
	return name, nil
}

func (k *fileKeyring) Delete(ctx context.Context, name string) error {
	const op = "keyring.(fileKeyring).Delete"
	f, err := k.open(ctx, os.O_RDWR, unix.LOCK_EX)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	defer k.close(f)

	entries, order, err := k.load(ctx, f)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if _, ok := entries[name]; !ok {
		return errors.New(ctx, errors.KeyNotFound, op, "no key named "+name)
	}
	delete(entries, name)
	return k.store(ctx, f, entries, order)
}
