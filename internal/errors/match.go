// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package errors

import "errors"

// Template is useful constructing Match Err templates.  Templates allow you to
// match Errs without specifying a Code.  In other words, just Match using the
// Errs: Kind, Op, etc.
type Template struct {
	Err           // Err embedded to support matching Errs
	Kind Kind     // Kind allows explicit matching on a Template without a Code.
}

// T creates a new Template for matching Errs.  Invalid parameters are ignored.
func T(args ...any) *Template {
	t := &Template{Err: Err{Offset: -1}}
	for _, a := range args {
		switch arg := a.(type) {
		case Code:
			t.Code = arg
		case string:
			t.Msg = arg
		case Op:
			t.Op = arg
		case *Err:
			c := *arg
			t.Err = c
		case Kind:
			t.Kind = arg
		case error:
			t.Wrapped = arg
		}
	}
	return t
}

// Match the template against the error.  The error must be a *Err, or wrap a
// *Err, otherwise match will return false.  Matches all non-empty fields of
// the template against the error.
func Match(t *Template, err error) bool {
	if t == nil || err == nil {
		return false
	}

	var e *Err
	if !errors.As(err, &e) {
		return false
	}

	if t.Code != Unknown && t.Code != e.Code {
		return false
	}
	if t.Msg != "" && t.Msg != e.Msg {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	if t.Kind != Other && t.Kind != e.Info().Kind {
		return false
	}
	if t.Wrapped != nil {
		if wrappedT, ok := t.Wrapped.(*Template); ok {
			return Match(wrappedT, e.Wrapped)
		}
		if !errors.Is(e.Wrapped, t.Wrapped) {
			return false
		}
	}
	return true
}
