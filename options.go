// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package tde

import "github.com/hashicorp/go-hclog"

// getOpts iterates the inbound Options and returns a struct.
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option is a function that takes in an options struct and sets values or
// sets errors on it.
type Option func(*options)

type options struct {
	withLogger       hclog.Logger
	withDisableMlock bool
}

func getDefaultOptions() options {
	return options{}
}

// WithLogger provides the engine's logger. Sub-components log under named
// children of it.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.withLogger = l
	}
}

// WithDisableMlock skips locking memory on startup. Intended for tests and
// environments that deny the capability.
func WithDisableMlock() Option {
	return func(o *options) {
		o.withDisableMlock = true
	}
}
