// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package principal

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

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
	withLogger   hclog.Logger
	withCacheTTL time.Duration
	withTimeout  time.Duration
}

func getDefaultOptions() options {
	return options{
		withCacheTTL: 60 * time.Second,
		withTimeout:  DefaultProviderTimeout,
	}
}

// WithLogger provides a logger for the manager
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.withLogger = l
	}
}

// WithCacheTTL sets how long fetched principal keys stay cached. Zero or
// negative disables expiry.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		o.withCacheTTL = d
	}
}

// WithTimeout bounds a single logical provider fetch, retries included.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.withTimeout = d
	}
}
