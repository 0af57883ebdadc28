// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package errors

// Code specifies a code for the error.
type Code uint32

// String will return the Code's Info.Message
func (c Code) String() string {
	return c.Info().Message
}

// Info will look up the Code's Info.  If the Info is not found, it will return
// Info for an Unknown Code.
func (c Code) Info() Info {
	if info, ok := errorCodeInfo[c]; ok {
		return info
	}
	return errorCodeInfo[Unknown]
}

const (
	Unknown Code = 0 // Unknown will be equal to a zero value for Codes

	// General parameter errors are reserved Codes 100-999
	InvalidParameter Code = 100 // InvalidParameter represents an invalid parameter for an operation
	Duplicate        Code = 101 // Duplicate represents an entry that already exists for the key
	Io               Code = 102 // Io represents a failure reading or writing a core file

	// Crypto errors are reserved Codes 1000-1999
	CryptoInit       Code = 1000 // CryptoInit represents a key schedule setup failure; fatal to the caller
	CryptoFault      Code = 1001 // CryptoFault represents an unrecoverable primitive failure; the process should terminate
	RngFailure       Code = 1002 // RngFailure represents unavailable entropy; fatal to the calling operation
	WrapSizeMismatch Code = 1003 // WrapSizeMismatch represents a wrapped payload with an impossible length (corruption)

	// Key lifecycle errors are reserved Codes 2000-2999
	KeyNotFound    Code = 2000 // KeyNotFound represents a relation with no active key entry; non-fatal
	UnwrapFailed   Code = 2100 // UnwrapFailed represents a key that cannot be unwrapped; the relation is unreadable until the principal key is restored
	KeyAuthFailure Code = 2101 // KeyAuthFailure represents a provider rejecting our credentials; fatal

	// Provider errors are reserved Codes 3000-3999
	ProviderUnavailable Code = 3000 // ProviderUnavailable represents a transient provider outage; retried internally with backoff

	// Durability errors are reserved Codes 4000-4999
	WalSerialization Code = 4000 // WalSerialization represents a failure to encode, flush or decode a log record; the operation must roll back
	MapCorruption    Code = 4001 // MapCorruption represents a damaged key map file; surfaced with the offending byte offset
)
