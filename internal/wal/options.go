// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package wal

import "github.com/hashicorp/go-hclog"

// getOpts - iterate the inbound Options and return a struct
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// Option - how Options are passed as arguments
type Option func(*options)

// options = how options are represented
type options struct {
	withLogger hclog.Logger
}

func getDefaultOptions() options {
	return options{}
}

// WithLogger provides a logger for the journal
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.withLogger = l
	}
}
