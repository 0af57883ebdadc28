// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/cipherstack/tde/internal/keyring"
)

type ProviderAddCommand struct {
	baseCommand

	flagName     string
	flagKind     string
	flagEndpoint string
	flagToken    string
	flagMount    string
	flagCert     string
	flagKey      string
	flagCaCert   string
}

func (c *ProviderAddCommand) Synopsis() string {
	return "Register a key provider"
}

func (c *ProviderAddCommand) Help() string {
	return `Usage: tde provider add -name=<name> -kind=<file|kmip|vault> [options]

  Registers a key provider. Credentials are sealed with the bootstrap key
  before being written to the catalog.

Options:

  -name=<name>         Provider name, unique within the catalog.
  -kind=<kind>         One of "file", "kmip" or "vault".
  -endpoint=<ep>       File path, KMIP host:port or vault address.
  -token=<token>       Vault bearer token.
  -mount=<mount>       Vault secrets engine mount (default "secret").
  -client-cert=<path>  KMIP client certificate (PEM).
  -client-key=<path>   KMIP client key (PEM).
  -ca-cert=<path>      CA certificate for KMIP server verification (PEM).
`
}

func (c *ProviderAddCommand) Run(args []string) int {
	f := c.flagSet("provider add")
	f.StringVar(&c.flagName, "name", "", "")
	f.StringVar(&c.flagKind, "kind", "", "")
	f.StringVar(&c.flagEndpoint, "endpoint", "", "")
	f.StringVar(&c.flagToken, "token", "", "")
	f.StringVar(&c.flagMount, "mount", "", "")
	f.StringVar(&c.flagCert, "client-cert", "", "")
	f.StringVar(&c.flagKey, "client-key", "", "")
	f.StringVar(&c.flagCaCert, "ca-cert", "", "")
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

	creds := keyring.Credentials{
		Token:      c.flagToken,
		Mount:      c.flagMount,
		ClientCert: c.flagCert,
		ClientKey:  c.flagKey,
		CaCert:     c.flagCaCert,
	}
	if err := e.AddProvider(ctx, c.flagName, keyring.Kind(c.flagKind), c.flagEndpoint, creds); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Provider %q registered.", c.flagName))
	return 0
}

type ProviderChangeCommand struct {
	baseCommand

	flagName     string
	flagEndpoint string
	flagToken    string
	flagMount    string
	flagCert     string
	flagKey      string
	flagCaCert   string
}

func (c *ProviderChangeCommand) Synopsis() string {
	return "Update a provider's endpoint and credentials"
}

func (c *ProviderChangeCommand) Help() string {
	return `Usage: tde provider change -name=<name> [options]

  Replaces a provider's endpoint and credentials. The kind cannot change,
  and keys stored through the old configuration must remain locatable
  through the new one.
`
}

func (c *ProviderChangeCommand) Run(args []string) int {
	f := c.flagSet("provider change")
	f.StringVar(&c.flagName, "name", "", "")
	f.StringVar(&c.flagEndpoint, "endpoint", "", "")
	f.StringVar(&c.flagToken, "token", "", "")
	f.StringVar(&c.flagMount, "mount", "", "")
	f.StringVar(&c.flagCert, "client-cert", "", "")
	f.StringVar(&c.flagKey, "client-key", "", "")
	f.StringVar(&c.flagCaCert, "ca-cert", "", "")
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

	creds := keyring.Credentials{
		Token:      c.flagToken,
		Mount:      c.flagMount,
		ClientCert: c.flagCert,
		ClientKey:  c.flagKey,
		CaCert:     c.flagCaCert,
	}
	if err := e.ChangeProvider(ctx, c.flagName, c.flagEndpoint, creds); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Provider %q updated.", c.flagName))
	return 0
}

type ProviderDeleteCommand struct {
	baseCommand

	flagName string
}

func (c *ProviderDeleteCommand) Synopsis() string {
	return "Unregister a key provider"
}

func (c *ProviderDeleteCommand) Help() string {
	return `Usage: tde provider delete -name=<name>

  Unregisters a provider. Fails while any principal key still lives on it.
`
}

func (c *ProviderDeleteCommand) Run(args []string) int {
	f := c.flagSet("provider delete")
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

	if err := e.DeleteProvider(ctx, c.flagName); err != nil {
		c.UI.Error(err.Error())
		return 2
	}
	c.UI.Output(fmt.Sprintf("Provider %q deleted.", c.flagName))
	return 0
}

type ProviderListCommand struct {
	baseCommand
}

func (c *ProviderListCommand) Synopsis() string {
	return "List registered key providers"
}

func (c *ProviderListCommand) Help() string {
	return `Usage: tde provider list

  Lists the registered providers. Credentials are never printed.
`
}

func (c *ProviderListCommand) Run(args []string) int {
	f := c.flagSet("provider list")
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

	providers := e.ListProviders(ctx)
	if len(providers) == 0 {
		c.UI.Output("(none)")
		return 0
	}
	var b strings.Builder
	for _, p := range providers {
		fmt.Fprintf(&b, "%-20s %-6s %s\n", p.Name, p.Kind, p.Endpoint)
	}
	c.UI.Output(strings.TrimRight(b.String(), "\n"))
	return 0
}
