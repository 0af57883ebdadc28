// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package principal mediates between the internal-key store and the external
// key providers. It fetches named principal keys (with caching and retry) and
// wraps/unwraps data keys under them.
package principal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"

	"github.com/cipherstack/tde/internal/errors"
)

const (
	// PrincipalKeySize is the required principal key length (AES-256).
	PrincipalKeySize = 32

	// DataKeySize and BaseIVSize are the embedded data-key field lengths.
	DataKeySize = 16
	BaseIVSize  = 16

	// payloadSize is key + base IV + type byte + start LSN.
	payloadSize = DataKeySize + BaseIVSize + 1 + 8

	// WrappedSize is payloadSize PKCS#7-padded to the next block.
	WrappedSize = 48
)

// Payload is the plaintext form of a wrapped data key. The base IV is random
// and unique per key, which is why CBC with a zero IV is sound here: no two
// wrap plaintexts ever share a prefix.
type Payload struct {
	Key      [DataKeySize]byte
	BaseIV   [BaseIVSize]byte
	Type     byte
	StartLSN uint64
}

// Wrap encrypts payload under the principal key with AES-256-CBC and a zero
// IV, producing exactly WrappedSize bytes.
func Wrap(ctx context.Context, principal []byte, p Payload) ([]byte, error) {
	const op = "principal.Wrap"
	block, err := newPrincipalCipher(ctx, op, principal)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, payloadSize, WrappedSize)
	copy(plain[0:16], p.Key[:])
	copy(plain[16:32], p.BaseIV[:])
	plain[32] = p.Type
	binary.LittleEndian.PutUint64(plain[33:41], p.StartLSN)

	// PKCS#7
	pad := WrappedSize - payloadSize
	for i := 0; i < pad; i++ {
		plain = append(plain, byte(pad))
	}

	out := make([]byte, WrappedSize)
	var zeroIV [aes.BlockSize]byte
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(out, plain)
	return out, nil
}

// Unwrap decrypts a wrapped payload produced by Wrap.
func Unwrap(ctx context.Context, principal, wrapped []byte) (Payload, error) {
	const op = "principal.Unwrap"
	if len(wrapped) != WrappedSize {
		return Payload{}, errors.New(ctx, errors.WrapSizeMismatch, op, "wrapped payload has wrong length")
	}
	block, err := newPrincipalCipher(ctx, op, principal)
	if err != nil {
		return Payload{}, err
	}

	plain := make([]byte, WrappedSize)
	var zeroIV [aes.BlockSize]byte
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(plain, wrapped)

	pad := int(plain[WrappedSize-1])
	if pad != WrappedSize-payloadSize {
		return Payload{}, errors.New(ctx, errors.UnwrapFailed, op, "padding check failed; wrong principal key or corrupted entry")
	}
	for _, b := range plain[payloadSize:] {
		if int(b) != pad {
			return Payload{}, errors.New(ctx, errors.UnwrapFailed, op, "padding check failed; wrong principal key or corrupted entry")
		}
	}

	var p Payload
	copy(p.Key[:], plain[0:16])
	copy(p.BaseIV[:], plain[16:32])
	p.Type = plain[32]
	p.StartLSN = binary.LittleEndian.Uint64(plain[33:41])
	return p, nil
}

func newPrincipalCipher(ctx context.Context, op errors.Op, principal []byte) (cipher.Block, error) {
	if len(principal) != PrincipalKeySize {
		return nil, errors.New(ctx, errors.WrapSizeMismatch, op, "principal key must be 32 bytes")
	}
	block, err := aes.NewCipher(principal)
	if err != nil {
		return nil, errors.New(ctx, errors.CryptoInit, op, "aes key schedule setup failed", errors.WithWrap(err))
	}
	return block, nil
}
