// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package errors

// GetOpts - iterate the inbound Options and return a struct
func GetOpts(opt ...Option) Options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option - how Options are passed as arguments
type Option func(*Options)

// Options - how Options are represented
type Options struct {
	withErrCode    Code
	withErrMsg     string
	withErrWrapped error
	withOffset     int64
}

func getDefaultOptions() Options {
	return Options{
		withOffset: -1,
	}
}

// WithMsg provides an option to provide a message when wrapping
func WithMsg(msg string) Option {
	return func(o *Options) {
		o.withErrMsg = msg
	}
}

// WithWrap provides an option to provide an error to wrap when creating a new
// error
func WithWrap(e error) Option {
	return func(o *Options) {
		o.withErrWrapped = e
	}
}

// WithCode provides an option to override the wrapped error's Code
func WithCode(code Code) Option {
	return func(o *Options) {
		o.withErrCode = code
	}
}

// WithOffset attaches the byte offset of a durability fault
func WithOffset(offset int64) Option {
	return func(o *Options) {
		o.withOffset = offset
	}
}
