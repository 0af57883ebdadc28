// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"
)

type PrincipalCreateCommand struct {
	baseCommand

	flagProvider string
	flagName     string
}

func (c *PrincipalCreateCommand) Synopsis() string {
	return "Create a principal key on a provider"
}

func (c *PrincipalCreateCommand) Help() string {
	return `Usage: tde principal create -provider=<name> -name=<key name>

  Generates a principal key, stores it on the named provider and registers
  it in the catalog. The first principal created becomes the active one.
`
}

func (c *PrincipalCreateCommand) Run(args []string) int {
	f := c.flagSet("principal create")
	f.StringVar(&c.flagProvider, "provider", "", "")
	f.StringVar(&c.flagName, "name", "", "")
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

	if err := e.CreatePrincipal(ctx, c.flagProvider, c.flagName); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Principal key %q created on provider %q.", c.flagName, c.flagProvider))
	return 0
}

type PrincipalSetCommand struct {
	baseCommand

	flagName string
}

func (c *PrincipalSetCommand) Synopsis() string {
	return "Mark a principal key as active"
}

func (c *PrincipalSetCommand) Help() string {
	return `Usage: tde principal set -name=<key name>

  Marks the named principal key as the wrapping principal for new data
  keys. Existing entries are not re-wrapped; use "principal rotate".
`
}

func (c *PrincipalSetCommand) Run(args []string) int {
	f := c.flagSet("principal set")
	f.StringVar(&c.flagName, "name", "", "")
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

	if err := e.SetPrincipal(ctx, c.flagName); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Principal key %q is now active.", c.flagName))
	return 0
}

type PrincipalRotateCommand struct {
	baseCommand

	flagOld string
	flagNew string
}

func (c *PrincipalRotateCommand) Synopsis() string {
	return "Re-wrap every data key under a new principal"
}

func (c *PrincipalRotateCommand) Help() string {
	return `Usage: tde principal rotate -new=<key name> [-old=<key name>]

  Re-wraps every data key from the old principal (default: the active one)
  to the new. Data keys and relation data are untouched; only the wrapping
  changes. The rotation is atomic across all relations.
`
}

func (c *PrincipalRotateCommand) Run(args []string) int {
	f := c.flagSet("principal rotate")
	f.StringVar(&c.flagOld, "old", "", "")
	f.StringVar(&c.flagNew, "new", "", "")
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

	if err := e.RotatePrincipal(ctx, c.flagOld, c.flagNew); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Principal rotated to %q.", c.flagNew))
	return 0
}

type PrincipalListCommand struct {
	baseCommand
}

func (c *PrincipalListCommand) Synopsis() string {
	return "List catalogued principal keys"
}

func (c *PrincipalListCommand) Help() string {
	return `Usage: tde principal list

  Prints the catalogued principal key names. The active one is marked.
`
}

func (c *PrincipalListCommand) Run(args []string) int {
	f := c.flagSet("principal list")
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

	names := e.ListPrincipals(ctx)
	if len(names) == 0 {
		c.UI.Output("(none)")
		return 0
	}
	active := e.ActivePrincipal()
	var b strings.Builder
	for _, name := range names {
		mark := " "
		if name == active {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, name)
	}
	c.UI.Output(strings.TrimRight(b.String(), "\n"))
	return 0
}
