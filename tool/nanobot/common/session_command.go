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

package common

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
)

// ConnectCommand implements "nanobot connect": deploy or resume the
// agent on a host and leave the session behind for later commands.
type ConnectCommand struct {
	config *GlobalCLIFlags

	host string

	connect *kingpin.CmdClause
}

// Initialize allows ConnectCommand to plug itself into the CLI parser.
func (c *ConnectCommand) Initialize(app *kingpin.Application, flags *GlobalCLIFlags) {
	c.config = flags
	c.connect = app.Command("connect", "Deploy or resume the agent on a host and verify the transport")
	c.connect.Arg("host", "Registered host name").Required().StringVar(&c.host)
}

// TryRun takes over if "connect" command was selected.
func (c *ConnectCommand) TryRun(ctx context.Context, cmd string, mgr ManagerFunc) (match bool, err error) {
	if cmd != c.connect.FullCommand() {
		return false, nil
	}
	m, err := mgr()
	if err != nil {
		return true, trace.Wrap(err)
	}
	session, err := m.Connect(ctx, c.host)
	if err != nil {
		return true, trace.Wrap(err)
	}
	fmt.Printf("Connected to %v (session %v, tunnel localhost:%v)\n",
		c.host, session.SessionID(), session.LocalPort())
	return true, nil
}

// ExecCommand implements "nanobot exec": run one shell command on a
// host and relay its output and exit code.
type ExecCommand struct {
	config *GlobalCLIFlags

	host    string
	command []string
	timeout time.Duration

	exec *kingpin.CmdClause
}

// Initialize allows ExecCommand to plug itself into the CLI parser.
func (c *ExecCommand) Initialize(app *kingpin.Application, flags *GlobalCLIFlags) {
	c.config = flags
	c.exec = app.Command("exec", "Run a shell command on a host")
	c.exec.Arg("host", "Registered host name").Required().StringVar(&c.host)
	c.exec.Arg("command", "Command to run, passed to the remote shell").Required().StringsVar(&c.command)
	c.exec.Flag("timeout", "Wall-clock budget for the command, e.g. 90s").Default("0s").DurationVar(&c.timeout)
}

// TryRun takes over if "exec" command was selected.
func (c *ExecCommand) TryRun(ctx context.Context, cmd string, mgr ManagerFunc) (match bool, err error) {
	if cmd != c.exec.FullCommand() {
		return false, nil
	}
	m, err := mgr()
	if err != nil {
		return true, trace.Wrap(err)
	}
	session, err := m.GetOrConnect(ctx, c.host)
	if err != nil {
		return true, trace.Wrap(err)
	}
	res := session.Exec(ctx, strings.Join(c.command, " "), c.timeout)
	if res.Output != "" {
		fmt.Print(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Println()
		}
	}
	if res.Error != "" {
		fmt.Fprintln(os.Stderr, res.Error)
	}
	// Relay the remote exit code so the command composes in scripts.
	if res.ExitCode != nil && *res.ExitCode != 0 {
		os.Exit(*res.ExitCode)
	}
	if !res.Success {
		os.Exit(1)
	}
	return true, nil
}

// DisconnectCommand implements "nanobot disconnect": stop the agent on
// one host, or on every host that has a session.
type DisconnectCommand struct {
	config *GlobalCLIFlags

	host string
	all  bool

	disconnect *kingpin.CmdClause
}

// Initialize allows DisconnectCommand to plug itself into the CLI parser.
func (c *DisconnectCommand) Initialize(app *kingpin.Application, flags *GlobalCLIFlags) {
	c.config = flags
	c.disconnect = app.Command("disconnect", "Stop the agent on a host and drop its session")
	c.disconnect.Arg("host", "Host to disconnect").StringVar(&c.host)
	c.disconnect.Flag("all", "Disconnect every host with a session").BoolVar(&c.all)
}

// TryRun takes over if "disconnect" command was selected.
func (c *DisconnectCommand) TryRun(ctx context.Context, cmd string, mgr ManagerFunc) (match bool, err error) {
	if cmd != c.disconnect.FullCommand() {
		return false, nil
	}
	m, err := mgr()
	if err != nil {
		return true, trace.Wrap(err)
	}
	if c.all {
		m.DisconnectAll(ctx)
		fmt.Println("All hosts disconnected")
		return true, nil
	}
	if c.host == "" {
		return true, trace.BadParameter("missing host name, specify one or use --all")
	}
	if err := m.Disconnect(ctx, c.host); err != nil {
		return true, trace.Wrap(err)
	}
	fmt.Printf("Host %v disconnected\n", c.host)
	return true, nil
}

// LogCommand implements "nanobot log": fetch the tail of the agent log
// from a host over plain SSH, without requiring a live transport.
type LogCommand struct {
	config *GlobalCLIFlags

	host  string
	lines int

	log *kingpin.CmdClause
}

// Initialize allows LogCommand to plug itself into the CLI parser.
func (c *LogCommand) Initialize(app *kingpin.Application, flags *GlobalCLIFlags) {
	c.config = flags
	c.log = app.Command("log", "Show the agent log from a host")
	c.log.Arg("host", "Registered host name").Required().StringVar(&c.host)
	c.log.Flag("lines", "Number of trailing log lines to show").Default("50").IntVar(&c.lines)
}

// TryRun takes over if "log" command was selected.
func (c *LogCommand) TryRun(ctx context.Context, cmd string, mgr ManagerFunc) (match bool, err error) {
	if cmd != c.log.FullCommand() {
		return false, nil
	}
	m, err := mgr()
	if err != nil {
		return true, trace.Wrap(err)
	}
	out, err := m.RemoteLog(ctx, c.host, c.lines)
	if err != nil {
		return true, trace.Wrap(err)
	}
	fmt.Println(out)
	return true, nil
}
