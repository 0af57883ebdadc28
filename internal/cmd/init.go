// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
)

type InitCommand struct {
	baseCommand
}

func (c *InitCommand) Synopsis() string {
	return "Initialize the tde data directory"
}

func (c *InitCommand) Help() string {
	return `Usage: tde init [options]

  Creates the key map, the journal and the provider catalog in the
  configured data directory. Requires TDE_BOOTSTRAP_KEY to be set; the same
  key must be provided on every subsequent start.

Options:

  -config=<path>  Path to the configuration file (default "tde.hcl").
`
}

func (c *InitCommand) Run(args []string) int {
	f := c.flagSet("init")
	if err := f.Parse(args); err != nil {
		return 1
	}
	ctx := context.Background()

	e, err := c.open(ctx)
	if err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	defer e.Close()

	if err := e.Checkpoint(ctx); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output("Data directory initialized.")
	return 0
}
