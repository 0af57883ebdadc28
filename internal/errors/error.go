// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Op represents an operation (package.function).
// For example keystore.Create
type Op string

// Err provides the ability to specify a Msg, Op, Code and Wrapped error.
// We've chosen Err over Error for the identifier to support the easy embedding
// of Errs.  Errs can be embedded without a conflict between the embedded Err
// and Err.Error().
type Err struct {
	// Code is the error's code, which can be used to get the error's
	// errorCodeInfo, which contains the error's Kind and Message
	Code Code

	// Msg for the error
	Msg string

	// Op represents the operation raising/propagating an error and is optional.
	// Op should be formatted as "package.func" for functions, while methods should
	// include the receiver type in parentheses "package.(type).func"
	Op Op

	// Wrapped is the error which this Err wraps and will be nil if there's no
	// error to wrap.
	Wrapped error

	// Offset is the byte offset of the fault for durability errors, or -1 when
	// no offset applies.
	Offset int64
}

// New creates a new Err with provided code and supports the options of:
//
// * WithOp() - allows you to specify an optional Op (operation)
//
// * WithMsg() - allows you to specify an optional error msg, if the default
// msg for the error Code is not sufficient
//
// * WithWrap() - allows you to specify an error to wrap
//
// * WithOffset() - allows you to attach the byte offset of a durability fault
func New(ctx context.Context, c Code, op Op, msg string, opt ...Option) error {
	opts := GetOpts(opt...)
	err := &Err{
		Code:    c,
		Op:      op,
		Msg:     msg,
		Wrapped: opts.withErrWrapped,
		Offset:  opts.withOffset,
	}
	return err
}

// Wrap creates a new Err from the provided err and op, preserving the err's
// Code if it carries one.  Supports the same options as New.
func Wrap(ctx context.Context, e error, op Op, opt ...Option) error {
	opts := GetOpts(opt...)
	err := &Err{
		Op:      op,
		Wrapped: e,
		Msg:     opts.withErrMsg,
		Offset:  opts.withOffset,
	}
	err.Code = opts.withErrCode
	if err.Code == Unknown {
		var wrapped *Err
		if errors.As(e, &wrapped) {
			err.Code = wrapped.Code
			if err.Offset < 0 {
				err.Offset = wrapped.Offset
			}
		}
	}
	return err
}

// Convert returns the error as an *Err if it is one, or nil.
func Convert(e error) *Err {
	if e == nil {
		return nil
	}
	var err *Err
	if errors.As(e, &err) {
		return err
	}
	return nil
}

// Info about the Err
func (e *Err) Info() Info {
	if e == nil {
		return errorCodeInfo[Unknown]
	}
	return e.Code.Info()
}

// Error satisfies the error interface and returns a string representation of
// the Err
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	var s strings.Builder
	if e.Op != "" {
		join(&s, ": ", string(e.Op))
	}
	if e.Msg != "" {
		join(&s, ": ", e.Msg)
	}
	if info, ok := errorCodeInfo[e.Code]; ok {
		if e.Msg == "" {
			join(&s, ": ", info.Message) // provide a default.
			join(&s, ", ", info.Kind.String())
		}
		join(&s, ": ", fmt.Sprintf("error #%d", e.Code))
	}
	if e.Offset >= 0 {
		join(&s, ": ", fmt.Sprintf("at offset %d", e.Offset))
	}
	if e.Wrapped != nil {
		join(&s, ": ", e.Wrapped.Error())
	}
	return s.String()
}

func join(str *strings.Builder, delim string, s string) {
	if str.Len() == 0 {
		_, _ = str.WriteString(s)
		return
	}
	_, _ = str.WriteString(delim + s)
}

// Unwrap implements the errors.Unwrap interface and allows callers to use the
// errors.Is() and errors.As() functions effectively for any wrapped errors.
func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Wrapped
}

// IsRetryable reports whether the error is worth retrying (provider outages
// only; everything else in the taxonomy is final).
func IsRetryable(e error) bool {
	if err := Convert(e); err != nil {
		return err.Code == ProviderUnavailable
	}
	return false
}
