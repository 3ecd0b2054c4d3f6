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

// Package nanobot contains constants shared across the fleet control plane.
package nanobot

const (
	// Version is the semantic version of the nanobot module. The agent
	// reports it over the version command so deploy scripts can probe
	// that an uploaded binary actually runs on the target.
	Version = "0.4.2"

	// ComponentFleet is the fleet manager driving host lifecycles.
	ComponentFleet = "fleet"

	// ComponentRemote is the client side of one remote session.
	ComponentRemote = "remote"

	// ComponentTunnel is the SSH tunnel and one-shot command transport.
	ComponentTunnel = "sshtun"

	// ComponentDeploy is the bootstrap deployer.
	ComponentDeploy = "deploy"

	// ComponentAgent is the remote execution server.
	ComponentAgent = "agent"

	// ComponentExec is the tmux-backed command executor inside the agent.
	ComponentExec = "agent:exec"

	// ConfigDirEnvVar overrides the directory holding the host registry.
	ConfigDirEnvVar = "NANOBOT_CONFIG_DIR"

	// ConfigDirName is the registry directory under $HOME when the
	// environment variable is not set.
	ConfigDirName = ".nanobot"

	// HostsFileName is the registry document inside the config directory.
	HostsFileName = "hosts.json"
)
