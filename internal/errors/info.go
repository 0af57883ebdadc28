// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package errors

// Kind specifies the kind of error (unknown, parameter, crypto, etc).
type Kind uint32

const (
	Other Kind = iota
	Parameter
	Crypto
	KeyLifecycle
	Provider
	Durability
)

func (e Kind) String() string {
	return [...]string{
		"unknown",
		"parameter violation",
		"crypto",
		"key lifecycle",
		"provider",
		"durability",
	}[e]
}

// Info contains details of the specific error code
type Info struct {
	// Kind specifies the error's kind
	Kind Kind

	// Message provides a default message for the error code
	Message string
}

// errorCodeInfo provides a map of unique Codes to their
// corresponding Info
var errorCodeInfo = map[Code]Info{
	Unknown: {
		Message: "unknown",
		Kind:    Other,
	},
	InvalidParameter: {
		Message: "invalid parameter",
		Kind:    Parameter,
	},
	Duplicate: {
		Message: "duplicate key entry",
		Kind:    Parameter,
	},
	Io: {
		Message: "io failure",
		Kind:    Other,
	},
	CryptoInit: {
		Message: "cipher initialization failed",
		Kind:    Crypto,
	},
	CryptoFault: {
		Message: "cipher fault",
		Kind:    Crypto,
	},
	RngFailure: {
		Message: "entropy source unavailable",
		Kind:    Crypto,
	},
	WrapSizeMismatch: {
		Message: "wrapped key payload has invalid size",
		Kind:    Crypto,
	},
	KeyNotFound: {
		Message: "key not found",
		Kind:    KeyLifecycle,
	},
	UnwrapFailed: {
		Message: "unable to unwrap key",
		Kind:    KeyLifecycle,
	},
	KeyAuthFailure: {
		Message: "provider rejected credentials",
		Kind:    KeyLifecycle,
	},
	ProviderUnavailable: {
		Message: "key provider unavailable",
		Kind:    Provider,
	},
	WalSerialization: {
		Message: "log record serialization failed",
		Kind:    Durability,
	},
	MapCorruption: {
		Message: "key map file corrupted",
		Kind:    Durability,
	},
}
