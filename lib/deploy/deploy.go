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

// Package deploy pushes the agent onto a remote host: it stages the
// agent binary together with an embedded launcher script, uploads both
// into the session directory, and runs the script over SSH. The script
// verifies the binary, clears stale listeners, and starts the agent
// detached.
package deploy

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot"
	"github.com/chtangwin/nanobot/lib/defaults"
	"github.com/chtangwin/nanobot/lib/sshtun"
)

//go:embed deploy.sh
var deployScript []byte

// Names of the files that make up a deployed session directory. The
// client's force-stop and log paths are derived from these.
const (
	// AgentBinaryName is what the agent binary is called on the remote.
	AgentBinaryName = "nanobot-agent"
	// ScriptName is the launcher script uploaded next to the binary.
	ScriptName = "deploy.sh"
	// ConfigFileName is written by the launcher from its flags.
	ConfigFileName = "config.json"
	// LogFileName receives the detached agent's stdout and stderr.
	LogFileName = "nanobot-agent.log"
	// PIDFileName records the detached agent's process id.
	PIDFileName = "server.pid"
)

// Config holds deployment settings for one host.
type Config struct {
	// SSH is the client for the target host.
	SSH *sshtun.Client
	// RemotePort is the port the agent will listen on.
	RemotePort int
	// AuthToken, when set, is passed to the launcher so the agent
	// requires it on every connection.
	AuthToken string
	// AgentPath is the local agent binary to upload. Defaults to the
	// running executable, which doubles as the agent.
	AgentPath string
	// DisableTmux starts the agent without the persistent pane.
	DisableTmux bool
	// Log is the deploy logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.SSH == nil {
		return trace.BadParameter("missing SSH client")
	}
	if c.RemotePort == 0 {
		c.RemotePort = defaults.AgentListenPort
	}
	if c.AgentPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		c.AgentPath = exe
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: nanobot.ComponentDeploy,
		})
	}
	return nil
}

// Deployer installs and starts the agent on one host.
type Deployer struct {
	cfg Config
}

// New returns a deployer for the given config.
func New(cfg Config) (*Deployer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Deployer{cfg: cfg}, nil
}

// Deploy stages the agent and launcher locally, creates the remote
// session directory, uploads both files in one scp, and runs the
// launcher. It returns once the launcher exits; the agent itself is
// started detached and needs a moment to bind its port.
func (d *Deployer) Deploy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return trace.BadParameter("missing session id")
	}
	remoteDir := "/tmp/" + sessionID

	staging, err := os.MkdirTemp("", "nanobot-deploy-")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.RemoveAll(staging)

	if err := copyFile(d.cfg.AgentPath, filepath.Join(staging, AgentBinaryName)); err != nil {
		return trace.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(staging, ScriptName), deployScript, 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}

	token := "none"
	if d.cfg.AuthToken != "" {
		token = "***"
	}
	d.cfg.Log.Infof("Deploying to %v:%v (port=%v, token=%v).",
		d.cfg.SSH.Target(), remoteDir, d.cfg.RemotePort, token)

	if _, err := d.cfg.SSH.Run(ctx, "mkdir -p "+remoteDir); err != nil {
		return trace.Wrap(err)
	}
	if err := d.cfg.SSH.Upload(ctx, staging, remoteDir); err != nil {
		return trace.Wrap(err)
	}

	args := fmt.Sprintf("--port %v", d.cfg.RemotePort)
	if d.cfg.AuthToken != "" {
		args += fmt.Sprintf(" --token '%v'", d.cfg.AuthToken)
	}
	if d.cfg.DisableTmux {
		args += " --no-tmux"
	}

	d.cfg.Log.Info("Running deploy script on remote.")
	runCtx, cancel := context.WithTimeout(ctx, defaults.DeployTimeout)
	defer cancel()
	out, err := d.cfg.SSH.Run(runCtx, fmt.Sprintf("sh %v/%v %v", remoteDir, ScriptName, args))
	if err != nil {
		return trace.Wrap(err, "deploy script failed on %v", d.cfg.SSH.Target())
	}
	d.cfg.Log.Infof("Deploy output: %v.", strings.TrimSpace(out))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(out.Close())
}
