// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package keystore

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
	withLogger hclog.Logger
}

func getDefaultOptions() options {
	return options{}
}

// WithLogger provides a logger for the store.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.withLogger = l
	}
}
