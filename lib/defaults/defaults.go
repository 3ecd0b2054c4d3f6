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

// Package defaults contains default constants set in various parts of
// the nanobot codebase
package defaults

import (
	"time"
)

const (
	// AgentListenPort is the port the remote execution server binds on
	// the remote host. Reachable only through the SSH tunnel.
	AgentListenPort = 8765

	// SSHPort is the standard SSH daemon port.
	SSHPort = 22

	// TmuxSessionName is the tmux session the executor creates on the
	// remote, bound to a private socket inside the session directory.
	TmuxSessionName = "nanobot"

	// SessionIDPrefix prefixes every minted session identifier. The
	// session directory under the remote temp area carries the same name.
	SessionIDPrefix = "nanobot-"

	// TmuxSocketName is the tmux socket file inside the session
	// directory.
	TmuxSocketName = "tmux.sock"

	// FallbackTmuxSocket is used when the agent cannot determine its
	// session directory, so restarts still find the same tmux server.
	FallbackTmuxSocket = "/tmp/nanobot-tmux.sock"
)

const (
	// TunnelSettleWait is how long to wait after spawning the ssh child
	// before checking it is still alive. ssh reports bad auth or
	// unreachable hosts within this window.
	TunnelSettleWait = 2 * time.Second

	// TunnelStopTimeout bounds the wait for the ssh child to exit after
	// SIGTERM before it is killed.
	TunnelStopTimeout = 5 * time.Second

	// SSHExecTimeout is the overall budget for a one-shot SSH command.
	SSHExecTimeout = 30 * time.Second

	// DeployTimeout bounds the remote deploy script run. First-time
	// deploys may verify the binary and clear a stale listener.
	DeployTimeout = 90 * time.Second

	// DeployStartWait is the grace period after the deploy script
	// returns before the first WebSocket connect.
	DeployStartWait = 3 * time.Second

	// WebsocketDialTimeout bounds the WebSocket handshake to the local
	// tunnel endpoint.
	WebsocketDialTimeout = 10 * time.Second

	// AuthTimeout bounds the wait for the authentication reply.
	AuthTimeout = 5 * time.Second

	// RPCTimeout is the default wait for a response frame when the
	// caller does not supply one.
	RPCTimeout = 30 * time.Second

	// ExecTimeout is the default wall-clock budget for a remote shell
	// command, on both ends of the protocol.
	ExecTimeout = 60 * time.Second

	// PingTimeout bounds liveness probes issued by the fleet manager.
	PingTimeout = 5 * time.Second

	// ShutdownAckTimeout bounds the wait for shutdown_ack during
	// graceful teardown.
	ShutdownAckTimeout = 5 * time.Second

	// ShutdownGrace is the pause after shutdown_ack so the remote
	// process can unwind before the force-stop fallback inspects it.
	ShutdownGrace = 2 * time.Second

	// CapturePollInterval is the initial capture-pane poll delay. The
	// delay doubles on every idle poll up to CapturePollMax.
	CapturePollInterval = 150 * time.Millisecond

	// CapturePollMax caps the capture-pane poll backoff.
	CapturePollMax = time.Second
)

const (
	// MaxFrameBytes is the WebSocket frame budget on both ends. Large
	// file reads travel base64-encoded inside one frame.
	MaxFrameBytes = 50 * 1024 * 1024

	// RequestCacheSize bounds the agent's idempotency cache. Eviction
	// is FIFO on insertion order.
	RequestCacheSize = 2000

	// ScrollbackLines is how far back capture-pane scrapes. Output
	// beyond this is not guaranteed to be recovered in full.
	ScrollbackLines = 500

	// PartialHeadLines limits how many lines after the start marker are
	// returned when a command times out mid-flight.
	PartialHeadLines = 200

	// PartialTailChars limits the raw pane tail returned when not even
	// the start marker made it into the scrollback.
	PartialTailChars = 2000
)

const (
	// PrivateDirMode protects the local config directory; the registry
	// stores auth tokens.
	PrivateDirMode = 0o700

	// PrivateFileMode protects the registry document itself.
	PrivateFileMode = 0o600

	// SharedDirMode is used for directories created on the remote by
	// write_file.
	SharedDirMode = 0o755

	// SharedFileMode is used for files written on the remote.
	SharedFileMode = 0o644
)
