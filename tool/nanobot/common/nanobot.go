/*
Copyright 2026 The Nanobot Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package common implements the nanobot command line: registry and
// session commands that drive the fleet manager, and the agent command
// that the deployer launches on remote hosts.
package common

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot"
	"github.com/chtangwin/nanobot/lib/fleet"
	"github.com/chtangwin/nanobot/lib/hostdb"
)

// GlobalHelpString is the top-level usage text.
const GlobalHelpString = "Nanobot deploys lightweight execution agents " +
	"onto hosts over SSH and runs commands and file operations against " +
	"them through tunneled WebSocket sessions."

// GlobalCLIFlags are flags that apply to all commands.
type GlobalCLIFlags struct {
	// Debug enables verbose logging.
	Debug bool
}

// ManagerFunc builds the fleet manager on demand. Commands that never
// touch the fleet, like the agent, do not call it, so running the
// agent on a host does not create a registry there.
type ManagerFunc func() (*fleet.Manager, error)

// CLICommand must be implemented by every command: it registers its
// clauses with the parser and claims the selected command in TryRun.
type CLICommand interface {
	// Initialize plugs the command into CLI argument parsing.
	Initialize(app *kingpin.Application, flags *GlobalCLIFlags)

	// TryRun executes the command if selectedCommand belongs to it and
	// reports match=true.
	TryRun(ctx context.Context, selectedCommand string, mgr ManagerFunc) (match bool, err error)
}

// Run parses the command line and dispatches to the matching command.
func Run(commands []CLICommand) {
	var ccf GlobalCLIFlags

	app := kingpin.New("nanobot", GlobalHelpString)
	app.Flag("debug", "Enable verbose logging to stderr").
		Short('d').
		BoolVar(&ccf.Debug)
	app.HelpFlag.Short('h')
	ver := app.Command("version", "Print the version of this nanobot binary")

	for i := range commands {
		commands[i].Initialize(app, &ccf)
	}

	selectedCmd, err := app.Parse(os.Args[1:])
	if err != nil {
		fatalError(err)
	}
	initLogger(ccf.Debug)

	if selectedCmd == ver.FullCommand() {
		fmt.Println(nanobot.Version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var match bool
	for _, c := range commands {
		match, err = c.TryRun(ctx, selectedCmd, loadManager)
		if err != nil {
			fatalError(err)
		}
		if match {
			break
		}
	}
}

// loadManager opens the host registry at its default location and
// wraps it in a fleet manager.
func loadManager() (*fleet.Manager, error) {
	registry, err := hostdb.LoadDefault()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	manager, err := fleet.NewManager(fleet.Config{Registry: registry})
	return manager, trace.Wrap(err)
}

// initLogger keeps CLI output terse: warnings only unless --debug.
func initLogger(debug bool) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

func fatalError(err error) {
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
	os.Exit(1)
}
