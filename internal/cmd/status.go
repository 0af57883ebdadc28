// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"
)

type StatusCommand struct {
	baseCommand
}

func (c *StatusCommand) Synopsis() string {
	return "Show key stores, principals and providers"
}

func (c *StatusCommand) Help() string {
	return `Usage: tde status [options]

  Prints the registered providers, the catalogued principal keys and the
  number of encrypted relations. Providers are not contacted.

Options:

  -config=<path>  Path to the configuration file (default "tde.hcl").
`
}

func (c *StatusCommand) Run(args []string) int {
	f := c.flagSet("status")
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

	n, err := e.CountKeys(ctx)
	if err != nil {
		c.UI.Error(err.Error())
		return 2
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Encrypted relations: %d\n", n)
	fmt.Fprintf(&b, "Active principal:    %s\n", orNone(e.ActivePrincipal()))
	b.WriteString("Principal keys:\n")
	principals := e.ListPrincipals(ctx)
	if len(principals) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, name := range principals {
		fmt.Fprintf(&b, "  %s\n", name)
	}
	b.WriteString("Providers:\n")
	providers := e.ListProviders(ctx)
	if len(providers) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, p := range providers {
		fmt.Fprintf(&b, "  %-20s %-6s %s\n", p.Name, p.Kind, p.Endpoint)
	}
	c.UI.Output(strings.TrimRight(b.String(), "\n"))
	return 0
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

type CheckpointCommand struct {
	baseCommand
}

func (c *CheckpointCommand) Synopsis() string {
	return "Compact recovery state"
}

func (c *CheckpointCommand) Help() string {
	return `Usage: tde checkpoint [options]

  Reclaims deleted key slots and advances the journal's replay start to its
  current end.

Options:

  -config=<path>  Path to the configuration file (default "tde.hcl").
`
}

func (c *CheckpointCommand) Run(args []string) int {
	f := c.flagSet("checkpoint")
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
	c.UI.Output("Checkpoint complete.")
	return 0
}
