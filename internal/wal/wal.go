// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package wal journals key-lifecycle events to an append-only log and replays
// them in strict LSN order during crash recovery. Records are opaque to the
// log itself; the resource-manager id and a per-record tag identify the
// consumer and the payload shape.
package wal

// ResourceManagerID identifies key-lifecycle records in the log.
const ResourceManagerID uint8 = 140

// LSN is a monotonically increasing journal position. It is the byte offset
// of a record's frame within the log, so replay can seek straight to it.
type LSN uint64

// Tag identifies the payload shape of a key-lifecycle record.
type Tag uint8

const (
	TagAddRelationKey Tag = iota + 1
	TagRemoveRelationKey
	TagAddPrincipalKey
	TagRotatePrincipalKey
	TagDeletePrincipalKey
	TagWriteKeyProvider
	TagInstallExtension
)

func (t Tag) String() string {
	switch t {
	case TagAddRelationKey:
		return "ADD_RELATION_KEY"
	case TagRemoveRelationKey:
		return "REMOVE_RELATION_KEY"
	case TagAddPrincipalKey:
		return "ADD_PRINCIPAL_KEY"
	case TagRotatePrincipalKey:
		return "ROTATE_PRINCIPAL_KEY"
	case TagDeletePrincipalKey:
		return "DELETE_PRINCIPAL_KEY"
	case TagWriteKeyProvider:
		return "WRITE_KEY_PROVIDER"
	case TagInstallExtension:
		return "INSTALL_EXTENSION"
	default:
		return "UNKNOWN"
	}
}

// Record is one journaled key-lifecycle event.
type Record struct {
	LSN  LSN
	Tag  Tag
	Body []byte
}
