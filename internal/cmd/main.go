// Copyright (c) CipherStack, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package cmd wires the tde command-line interface.
package cmd

import (
	"bufio"
	"io"
	"os"

	"github.com/mitchellh/cli"
)

const version = "0.1.0"

type RunOptions struct {
	Stdout io.Writer
	Stderr io.Writer
}

func Run(args []string) int {
	return RunCustom(args, nil)
}

// RunCustom allows tests to capture output.
func RunCustom(args []string, runOpts *RunOptions) int {
	if runOpts == nil {
		runOpts = &RunOptions{}
	}
	if runOpts.Stdout == nil {
		runOpts.Stdout = os.Stdout
	}
	if runOpts.Stderr == nil {
		runOpts.Stderr = os.Stderr
	}

	ui := &cli.ColoredUi{
		ErrorColor: cli.UiColorRed,
		WarnColor:  cli.UiColorYellow,
		Ui: &cli.BasicUi{
			Reader:      bufio.NewReader(os.Stdin),
			Writer:      runOpts.Stdout,
			ErrorWriter: runOpts.Stderr,
		},
	}

	c := cli.NewCLI("tde", version)
	c.Args = args
	c.Commands = initCommands(ui)

	exitCode, err := c.Run()
	if err != nil {
		ui.Error("error executing command: " + err.Error())
		return 1
	}
	return exitCode
}
