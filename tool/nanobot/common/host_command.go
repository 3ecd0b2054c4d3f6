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

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/chtangwin/nanobot/lib/asciitable"
	"github.com/chtangwin/nanobot/lib/hostdb"
)

// HostCommand implements the "nanobot hosts" group of commands that
// maintain the host registry.
type HostCommand struct {
	config *GlobalCLIFlags

	name       string
	sshHost    string
	sshPort    int
	sshKeyPath string
	remotePort int
	authToken  string
	workspace  string

	hostAdd  *kingpin.CmdClause
	hostRm   *kingpin.CmdClause
	hostList *kingpin.CmdClause
}

// Initialize allows HostCommand to plug itself into the CLI parser.
func (c *HostCommand) Initialize(app *kingpin.Application, flags *GlobalCLIFlags) {
	c.config = flags

	hosts := app.Command("hosts", "Manage the remote host registry")

	c.hostAdd = hosts.Command("add", "Register a remote host")
	c.hostAdd.Arg("name", "Registry name for the host").Required().StringVar(&c.name)
	c.hostAdd.Arg("ssh-host", "SSH destination, e.g. user@build1.example.com").Required().StringVar(&c.sshHost)
	c.hostAdd.Flag("ssh-port", "SSH daemon port on the host").Default("22").IntVar(&c.sshPort)
	c.hostAdd.Flag("ssh-key", "Path to an SSH identity file").StringVar(&c.sshKeyPath)
	c.hostAdd.Flag("remote-port", "Port the agent listens on").Default("8765").IntVar(&c.remotePort)
	c.hostAdd.Flag("token", "Shared secret for the agent handshake").StringVar(&c.authToken)
	c.hostAdd.Flag("workspace", "Working directory hint recorded for the host").StringVar(&c.workspace)

	c.hostRm = hosts.Command("rm", "Remove a host from the registry").Alias("del")
	c.hostRm.Arg("name", "Host to remove").Required().StringVar(&c.name)

	c.hostList = hosts.Command("ls", "List registered hosts and their sessions")
}

// TryRun takes over if "hosts" command was selected.
func (c *HostCommand) TryRun(ctx context.Context, cmd string, mgr ManagerFunc) (match bool, err error) {
	switch cmd {
	case c.hostAdd.FullCommand():
		err = c.Add(mgr)
	case c.hostRm.FullCommand():
		err = c.Remove(ctx, mgr)
	case c.hostList.FullCommand():
		err = c.List(mgr)
	default:
		return false, nil
	}
	return true, trace.Wrap(err)
}

// Add registers a new host in the registry.
func (c *HostCommand) Add(mgr ManagerFunc) error {
	m, err := mgr()
	if err != nil {
		return trace.Wrap(err)
	}
	err = m.AddHost(&hostdb.HostSpec{
		Name:       c.name,
		SSHHost:    c.sshHost,
		SSHPort:    c.sshPort,
		SSHKeyPath: c.sshKeyPath,
		RemotePort: c.remotePort,
		AuthToken:  c.authToken,
		Workspace:  c.workspace,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Host %q added (%v)\n", c.name, c.sshHost)
	return nil
}

// Remove deletes a host from the registry, disconnecting it first if
// it has a session.
func (c *HostCommand) Remove(ctx context.Context, mgr ManagerFunc) error {
	m, err := mgr()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := m.RemoveHost(ctx, c.name); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Host %q removed\n", c.name)
	return nil
}

// List prints the registry as an ASCII table.
func (c *HostCommand) List(mgr ManagerFunc) error {
	m, err := mgr()
	if err != nil {
		return trace.Wrap(err)
	}
	hosts := m.ListHosts()
	if len(hosts) == 0 {
		fmt.Println("No hosts registered. Use 'nanobot hosts add' first.")
		return nil
	}
	table := asciitable.MakeTable([]string{"Host", "SSH Target", "Status", "Session", "Workspace"})
	for _, host := range hosts {
		status := "-"
		switch {
		case host.Connected:
			status = "connected"
		case host.SessionID != "":
			status = "resumable"
		}
		table.AddRow([]string{
			host.Name,
			host.SSHHost,
			status,
			orDash(host.SessionID),
			orDash(host.Workspace),
		})
	}
	fmt.Print(table.AsBuffer().String())
	return nil
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
