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
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot/lib/agent"
)

// AgentCommand implements "nanobot agent", the server side of the
// system. Deploy launches it inside a tmux session on the remote host;
// it can also be started by hand for debugging.
type AgentCommand struct {
	config *GlobalCLIFlags

	configPath string
	port       int
	token      string
	noTmux     bool

	agent *kingpin.CmdClause
}

// Initialize allows AgentCommand to plug itself into the CLI parser.
func (c *AgentCommand) Initialize(app *kingpin.Application, flags *GlobalCLIFlags) {
	c.config = flags
	c.agent = app.Command("agent", "Run the execution agent (normally launched on remote hosts by connect)")
	c.agent.Flag("config", "Path to the config file written next to the deployed agent").StringVar(&c.configPath)
	c.agent.Flag("port", "TCP port to listen on").IntVar(&c.port)
	c.agent.Flag("token", "Shared handshake secret").StringVar(&c.token)
	c.agent.Flag("no-tmux", "Run commands in one-shot subshells instead of a persistent tmux pane").BoolVar(&c.noTmux)
}

// TryRun takes over if "agent" command was selected.
func (c *AgentCommand) TryRun(ctx context.Context, cmd string, mgr ManagerFunc) (match bool, err error) {
	if cmd != c.agent.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.Serve(ctx))
}

// Serve runs the agent until the context is canceled or a shutdown
// request arrives over the wire.
func (c *AgentCommand) Serve(ctx context.Context) error {
	// The agent writes its log to stdout; the deploy script redirects
	// it into the session log file that "nanobot log" tails.
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.InfoLevel)
	if c.config.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg := agent.Config{
		Port:    c.port,
		Token:   c.token,
		UseTmux: !c.noTmux,
	}
	if c.configPath != "" {
		// The deployed config file wins over flags.
		if err := cfg.LoadFile(c.configPath); err != nil {
			return trace.Wrap(err)
		}
	}
	cfg.SessionDir = agent.DetectSessionDir(c.configPath)

	srv, err := agent.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return trace.Wrap(srv.ListenAndServe())
}
