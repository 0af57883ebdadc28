// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"
)

type KeyCreateCommand struct {
	baseCommand

	flagRelation  uint64
	flagPrincipal string
}

func (c *KeyCreateCommand) Synopsis() string {
	return "Create a data key for a relation"
}

func (c *KeyCreateCommand) Help() string {
	return `Usage: tde key create -relation=<id> [options]

  Generates a fresh data key for the relation and wraps it under the active
  principal key. Fails when the relation already has a key.

Options:

  -relation=<id>      Relation id.
  -principal=<name>   Principal key to wrap under; must be the active one.
`
}

func (c *KeyCreateCommand) Run(args []string) int {
	f := c.flagSet("key create")
	f.Uint64Var(&c.flagRelation, "relation", 0, "")
	f.StringVar(&c.flagPrincipal, "principal", "", "")
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

	if err := e.CreateKey(ctx, c.flagRelation, c.flagPrincipal); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Key created for relation %d.", c.flagRelation))
	return 0
}

type KeyRotateCommand struct {
	baseCommand

	flagRelation uint64
}

func (c *KeyRotateCommand) Synopsis() string {
	return "Rotate a relation's data key"
}

func (c *KeyRotateCommand) Help() string {
	return `Usage: tde key rotate -relation=<id>

  Replaces the relation's data key with a fresh one. Blocks written under
  the old key stay readable until the next checkpoint.
`
}

func (c *KeyRotateCommand) Run(args []string) int {
	f := c.flagSet("key rotate")
	f.Uint64Var(&c.flagRelation, "relation", 0, "")
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

	if err := e.RotateKey(ctx, c.flagRelation); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Key rotated for relation %d.", c.flagRelation))
	return 0
}

type KeyDeleteCommand struct {
	baseCommand

	flagRelation uint64
}

func (c *KeyDeleteCommand) Synopsis() string {
	return "Delete a relation's data key"
}

func (c *KeyDeleteCommand) Help() string {
	return `Usage: tde key delete -relation=<id>

  Removes the relation's data key. Data encrypted under it becomes
  unrecoverable once the slot is reclaimed at the next checkpoint.
`
}

func (c *KeyDeleteCommand) Run(args []string) int {
	f := c.flagSet("key delete")
	f.Uint64Var(&c.flagRelation, "relation", 0, "")
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

	if err := e.DeleteKey(ctx, c.flagRelation); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Key deleted for relation %d.", c.flagRelation))
	return 0
}

type KeyListCommand struct {
	baseCommand
}

func (c *KeyListCommand) Synopsis() string {
	return "List relations holding data keys"
}

func (c *KeyListCommand) Help() string {
	return `Usage: tde key list

  Prints the id of every relation holding an active data key. No provider
  is contacted and no key material is unwrapped.
`
}

func (c *KeyListCommand) Run(args []string) int {
	f := c.flagSet("key list")
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

	rels, err := e.ListKeys(ctx)
	if err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	if len(rels) == 0 {
		c.UI.Output("(none)")
		return 0
	}
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		out = append(out, fmt.Sprintf("%d", r))
	}
	c.UI.Output(strings.Join(out, "\n"))
	return 0
}
