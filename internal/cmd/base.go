// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"flag"

	tde "github.com/cipherstack/tde"
	"github.com/cipherstack/tde/internal/config"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// baseCommand carries the flags every subcommand shares.
type baseCommand struct {
	UI cli.Ui

	flagConfig  string
	flagLogJSON bool
}

func (c *baseCommand) flagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.SetOutput(flagOutput{c.UI})
	f.StringVar(&c.flagConfig, "config", "tde.hcl", "Path to the configuration file.")
	f.BoolVar(&c.flagLogJSON, "log-json", false, "Emit logs as JSON.")
	return f
}

// open parses the configuration and brings up the engine. Callers must
// Close the returned engine.
func (c *baseCommand) open(ctx context.Context) (*tde.TDE, error) {
	conf, err := config.Load(ctx, c.flagConfig)
	if err != nil {
		return nil, err
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "tde",
		JSONFormat: c.flagLogJSON,
	})
	return tde.Open(ctx, conf, tde.WithLogger(logger))
}

type flagOutput struct {
	ui cli.Ui
}

func (o flagOutput) Write(p []byte) (int, error) {
	o.ui.Output(string(p))
	return len(p), nil
}
