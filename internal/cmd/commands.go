// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/mitchellh/cli"
)

func initCommands(ui cli.Ui) map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"init": func() (cli.Command, error) {
			return &InitCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"status": func() (cli.Command, error) {
			return &StatusCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"checkpoint": func() (cli.Command, error) {
			return &CheckpointCommand{baseCommand: baseCommand{UI: ui}}, nil
		},

		"provider add": func() (cli.Command, error) {
			return &ProviderAddCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"provider change": func() (cli.Command, error) {
			return &ProviderChangeCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"provider delete": func() (cli.Command, error) {
			return &ProviderDeleteCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"provider list": func() (cli.Command, error) {
			return &ProviderListCommand{baseCommand: baseCommand{UI: ui}}, nil
		},

		"key create": func() (cli.Command, error) {
			return &KeyCreateCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"key rotate": func() (cli.Command, error) {
			return &KeyRotateCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"key delete": func() (cli.Command, error) {
			return &KeyDeleteCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"key list": func() (cli.Command, error) {
			return &KeyListCommand{baseCommand: baseCommand{UI: ui}}, nil
		},

		"principal create": func() (cli.Command, error) {
			return &PrincipalCreateCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"principal set": func() (cli.Command, error) {
			return &PrincipalSetCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"principal rotate": func() (cli.Command, error) {
			return &PrincipalRotateCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
		"principal list": func() (cli.Command, error) {
			return &PrincipalListCommand{baseCommand: baseCommand{UI: ui}}, nil
		},
	}
}
