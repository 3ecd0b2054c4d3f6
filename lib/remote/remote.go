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

// Package remote maintains the client side of one host connection: an
// SSH tunnel carrying a WebSocket RPC session to the agent deployed on
// the host. Transport failures are healed in place (tunnel, socket,
// auth) without redeploying or abandoning the remote session; request
// ids make the one automatic retry idempotent.
package remote

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot"
	"github.com/chtangwin/nanobot/lib/defaults"
	"github.com/chtangwin/nanobot/lib/deploy"
	"github.com/chtangwin/nanobot/lib/sshtun"
	"github.com/chtangwin/nanobot/lib/wire"
)

// recvGrace is added to the response wait for commands with an
// explicit budget, so the agent's own timeout result (partial output,
// exit code -1) arrives before the client gives up.
const recvGrace = 2 * time.Second

// errRecvTimeout marks a response wait that expired. It is final for
// the request; the transport is rebuilt on the next call because the
// socket cannot be read past an expired deadline.
var errRecvTimeout = errors.New("response deadline exceeded")

// rpcConn is the websocket surface the host needs; satisfied by
// *websocket.Conn.
type rpcConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

type (
	deployFunc func(ctx context.Context, sessionID string) error
	dialFunc   func(ctx context.Context, url string) (rpcConn, error)
)

// Config describes one remote host connection.
type Config struct {
	// Name is the host's registry name, used in logs and errors.
	Name string
	// SSHHost is the user@host SSH destination.
	SSHHost string
	// SSHPort is the SSH daemon port.
	SSHPort int
	// SSHKeyPath optionally selects an identity file.
	SSHKeyPath string
	// RemotePort is the agent port on the host.
	RemotePort int
	// LocalPort is the local tunnel port; zero picks a free one.
	LocalPort int
	// AuthToken is the shared handshake secret.
	AuthToken string
	// SessionID resumes an existing remote session when set. Setup
	// mints a fresh one.
	SessionID string
	// AgentPath overrides the agent binary uploaded on deploy.
	AgentPath string
	// DisableTmux deploys the agent without the persistent pane.
	DisableTmux bool
	// Clock is used for settle, grace, and deadline waits.
	Clock clockwork.Clock
	// Log is the host logger.
	Log *logrus.Entry

	// ssh runs tunnel, one-shot, and upload operations; built from the
	// SSH fields when unset.
	ssh *sshtun.Client
	// deploy installs and starts the agent for a session; defaults to
	// a Deployer over ssh.
	deploy deployFunc
	// dial opens the websocket to the tunnel's local end.
	dial dialFunc

	settleWait    time.Duration
	startWait     time.Duration
	authTimeout   time.Duration
	rpcTimeout    time.Duration
	pingTimeout   time.Duration
	ackTimeout    time.Duration
	shutdownGrace time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing host name")
	}
	if c.SSHHost == "" {
		return trace.BadParameter("missing SSH host for %v", c.Name)
	}
	if c.SSHPort == 0 {
		c.SSHPort = defaults.SSHPort
	}
	if c.RemotePort == 0 {
		c.RemotePort = defaults.AgentListenPort
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: nanobot.ComponentRemote,
			"host":          c.Name,
		})
	}
	if c.ssh == nil {
		client, err := sshtun.NewClient(sshtun.Config{
			Target:     c.SSHHost,
			Port:       c.SSHPort,
			KeyPath:    c.SSHKeyPath,
			SettleWait: c.settleWait,
			Clock:      c.Clock,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		c.ssh = client
	}
	if c.deploy == nil {
		deployer, err := deploy.New(deploy.Config{
			SSH:         c.ssh,
			RemotePort:  c.RemotePort,
			AuthToken:   c.AuthToken,
			AgentPath:   c.AgentPath,
			DisableTmux: c.DisableTmux,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		c.deploy = deployer.Deploy
	}
	if c.dial == nil {
		c.dial = dialWebsocket
	}
	if c.startWait == 0 {
		c.startWait = defaults.DeployStartWait
	}
	if c.authTimeout == 0 {
		c.authTimeout = defaults.AuthTimeout
	}
	if c.rpcTimeout == 0 {
		c.rpcTimeout = defaults.RPCTimeout
	}
	if c.pingTimeout == 0 {
		c.pingTimeout = defaults.PingTimeout
	}
	if c.ackTimeout == 0 {
		c.ackTimeout = defaults.ShutdownAckTimeout
	}
	if c.shutdownGrace == 0 {
		c.shutdownGrace = defaults.ShutdownGrace
	}
	return nil
}

func dialWebsocket(ctx context.Context, url string) (rpcConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: defaults.WebsocketDialTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, trace.ConnectionProblem(err, "WebSocket connection failed: %v", err)
	}
	ws.SetReadLimit(defaults.MaxFrameBytes)
	return ws, nil
}

// Host is one remote host connection. All operations are serialized on
// an internal mutex: the protocol is strict request/response per
// connection, so overlapping calls would interleave frames.
type Host struct {
	cfg   Config
	log   *logrus.Entry
	clock clockwork.Clock
	ssh   *sshtun.Client

	mu                sync.Mutex
	sessionID         string
	localPort         int
	tunnel            *sshtun.Tunnel
	ws                rpcConn
	running           bool
	authenticated     bool
	lastRecoveryError string
}

// New creates an unconnected host handle; call Setup to connect.
func New(cfg Config) (*Host, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Host{
		cfg:       cfg,
		log:       cfg.Log,
		clock:     cfg.Clock,
		ssh:       cfg.ssh,
		sessionID: cfg.SessionID,
		localPort: cfg.LocalPort,
	}, nil
}

// SessionID returns the current remote session id, empty before the
// first Setup.
func (h *Host) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// LocalPort returns the local tunnel port, zero before the first
// connect.
func (h *Host) LocalPort() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localPort
}

// Connected reports whether the transport is up and authenticated.
func (h *Host) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running && h.authenticated && h.ws != nil
}

// Name returns the host's registry name.
func (h *Host) Name() string {
	return h.cfg.Name
}

// Setup establishes the connection: mints a session id, opens the
// tunnel, deploys and starts the agent, and authenticates the
// websocket. Partial state is torn down on failure.
func (h *Host) Setup(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setupLocked(ctx)
}

func (h *Host) setupLocked(ctx context.Context) (string, error) {
	if h.running {
		return h.sessionID, nil
	}

	h.sessionID = newSessionID()

	err := func() error {
		if err := h.createTunnelLocked(ctx); err != nil {
			return trace.Wrap(err)
		}
		if err := h.cfg.deploy(ctx, h.sessionID); err != nil {
			return trace.Wrap(err)
		}
		// The launcher returns before the agent binds its port.
		h.clock.Sleep(h.cfg.startWait)
		if err := h.connectWebsocketLocked(ctx); err != nil {
			return trace.Wrap(err)
		}
		return h.authenticateLocked(ctx)
	}()
	if err != nil {
		h.log.WithError(err).Errorf("Failed to setup remote host %v.", h.cfg.Name)
		if remoteLog := h.remoteLogLocked(ctx, 50); remoteLog != "" {
			h.log.Errorf("Remote host log:\n%v", remoteLog)
		}
		h.teardownLocked(ctx)
		return "", trace.ConnectionProblem(err, "Failed to connect to %v: %v", h.cfg.Name, err)
	}

	h.running = true
	h.log.Infof("Remote host %v connected (session: %v).", h.cfg.Name, h.sessionID)
	return h.sessionID, nil
}

// Teardown releases everything this connection owns, remote side
// first: graceful shutdown RPC, SSH force-stop if that failed, session
// directory cleanup, and only then the tunnel the SSH steps ran
// through. Safe to call more than once.
func (h *Host) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownLocked(ctx)
	return nil
}

func (h *Host) teardownLocked(ctx context.Context) {
	h.running = false
	h.authenticated = false

	stopped := h.requestShutdownLocked(ctx)
	if !stopped {
		h.forceStopLocked(ctx)
	}

	if h.sessionID != "" {
		if _, err := h.ssh.Run(ctx, "rm -rf /tmp/"+h.sessionID); err != nil {
			h.log.Warnf("Failed to clean remote directory: %v.", err)
		}
	}

	h.closeTunnelLocked()
	h.log.Infof("Remote host %v disconnected.", h.cfg.Name)
}

// requestShutdownLocked asks the agent to exit and waits for the ack.
// The websocket is closed either way.
func (h *Host) requestShutdownLocked(ctx context.Context) bool {
	if h.ws == nil {
		return false
	}
	defer func() {
		h.ws.Close()
		h.ws = nil
	}()

	raw, err := json.Marshal(wire.Request{Type: wire.TypeShutdown})
	if err != nil {
		return false
	}
	if err := h.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		h.log.Warnf("Shutdown request failed: %v.", err)
		return false
	}

	h.ws.SetReadDeadline(h.clock.Now().Add(h.cfg.ackTimeout))
	_, out, err := h.ws.ReadMessage()
	if err != nil {
		h.log.Warn("Shutdown request timed out or connection lost.")
		return false
	}
	var resp wire.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		h.log.Warnf("Shutdown request failed: %v.", err)
		return false
	}
	if resp.Type != wire.TypeShutdownAck {
		h.log.Warnf("Unexpected shutdown response: %v.", resp.Type)
		return false
	}

	h.log.Info("Server acknowledged shutdown, waiting for process to exit.")
	h.clock.Sleep(h.cfg.shutdownGrace)
	return true
}

// forceStopLocked kills the agent over SSH: pid file first, then
// whatever holds the port, then the tmux session.
func (h *Host) forceStopLocked(ctx context.Context) {
	if h.sessionID == "" {
		return
	}
	remoteDir := "/tmp/" + h.sessionID
	pidFile := remoteDir + "/" + deploy.PIDFileName
	tmuxSock := remoteDir + "/" + defaults.TmuxSocketName

	h.log.Infof("Force-stopping host for session %v.", h.sessionID)
	commands := []string{
		fmt.Sprintf("if [ -f %[1]v ]; then pid=$(cat %[1]v); kill $pid 2>/dev/null && sleep 1; "+
			"kill -0 $pid 2>/dev/null && kill -9 $pid 2>/dev/null; fi || true", pidFile),
		fmt.Sprintf("fuser -k %v/tcp 2>/dev/null || true", h.cfg.RemotePort),
		fmt.Sprintf("tmux -S '%v' kill-session -t %v 2>/dev/null || true",
			tmuxSock, defaults.TmuxSessionName),
	}
	for _, command := range commands {
		if _, err := h.ssh.Run(ctx, command); err != nil {
			h.log.Warnf("Force-stop command failed: %v.", err)
		}
	}
}

// RemoteLog tails the agent's log file on the host over one-shot SSH.
func (h *Host) RemoteLog(ctx context.Context, lines int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionID == "" {
		return "", trace.NotFound("no session for host %v", h.cfg.Name)
	}
	out, err := h.ssh.Run(ctx, h.tailCommandLocked(lines))
	if err != nil {
		return "", trace.Wrap(err)
	}
	return strings.TrimSpace(out), nil
}

func (h *Host) tailCommandLocked(lines int) string {
	logFile := fmt.Sprintf("/tmp/%v/%v", h.sessionID, deploy.LogFileName)
	return fmt.Sprintf("tail -%v %v 2>/dev/null || echo 'Log file not found'", lines, logFile)
}

// remoteLogLocked is the best-effort variant used while reporting
// setup failures.
func (h *Host) remoteLogLocked(ctx context.Context, lines int) string {
	if h.sessionID == "" {
		return ""
	}
	out, err := h.ssh.Run(ctx, h.tailCommandLocked(lines))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// RecoverTransport rebuilds tunnel, websocket, and authentication for
// the existing session. It never redeploys and never changes the
// session id.
func (h *Host) RecoverTransport(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recoverTransportLocked(ctx)
}

func (h *Host) recoverTransportLocked(ctx context.Context) bool {
	h.lastRecoveryError = ""

	err := func() error {
		h.markTransportDownLocked()
		if err := h.createTunnelLocked(ctx); err != nil {
			h.lastRecoveryError = fmt.Sprintf("Network unreachable: SSH tunnel failed (%v)", err)
			return trace.Wrap(err)
		}
		if err := h.connectWebsocketLocked(ctx); err != nil {
			h.lastRecoveryError = fmt.Sprintf("Remote server not responding: WebSocket failed (%v)", err)
			return trace.Wrap(err)
		}
		return h.authenticateLocked(ctx)
	}()
	if err != nil {
		if h.lastRecoveryError == "" {
			h.lastRecoveryError = fmt.Sprintf("Transport recovery failed: %v", err)
		}
		h.log.Warnf("%v (host: %v).", h.lastRecoveryError, h.cfg.Name)
		h.markTransportDownLocked()
		return false
	}

	h.running = true
	h.log.Infof("Transport recovered for host %v (session: %v).", h.cfg.Name, h.sessionID)
	return true
}

// markTransportDownLocked drops websocket and tunnel so recovery
// starts from a clean slate.
func (h *Host) markTransportDownLocked() {
	h.running = false
	h.authenticated = false
	if h.ws != nil {
		h.ws.Close()
		h.ws = nil
	}
	h.closeTunnelLocked()
}

func (h *Host) closeTunnelLocked() {
	if h.tunnel != nil {
		if err := h.tunnel.Close(); err != nil {
			h.log.Warnf("Failed to close SSH tunnel: %v.", err)
		}
		h.tunnel = nil
	}
}

func (h *Host) createTunnelLocked(ctx context.Context) error {
	if h.localPort == 0 {
		port, err := sshtun.PickFreePort()
		if err != nil {
			return trace.Wrap(err)
		}
		h.localPort = port
	}
	tunnel, err := h.ssh.OpenTunnel(ctx, h.localPort, h.cfg.RemotePort)
	if err != nil {
		return trace.Wrap(err)
	}
	h.tunnel = tunnel
	return nil
}

func (h *Host) connectWebsocketLocked(ctx context.Context) error {
	url := fmt.Sprintf("ws://127.0.0.1:%v", h.localPort)
	h.log.Infof("Connecting to WebSocket: %v.", url)
	ws, err := h.cfg.dial(ctx, url)
	if err != nil {
		return trace.Wrap(err)
	}
	h.ws = ws
	return nil
}

func (h *Host) authenticateLocked(ctx context.Context) error {
	raw, err := json.Marshal(wire.AuthRequest{Token: h.cfg.AuthToken})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := h.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return trace.ConnectionProblem(err, "sending authentication: %v", err)
	}

	h.ws.SetReadDeadline(h.clock.Now().Add(h.cfg.authTimeout))
	_, out, err := h.ws.ReadMessage()
	h.ws.SetReadDeadline(time.Time{})
	if err != nil {
		return trace.ConnectionProblem(err, "waiting for authentication reply: %v", err)
	}

	var resp wire.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return trace.BadParameter("malformed authentication reply: %v", err)
	}
	switch resp.Type {
	case wire.TypeAuthenticated:
		h.authenticated = true
		return nil
	case wire.TypeError:
		return trace.AccessDenied("Authentication failed: %v", resp.Message)
	default:
		return trace.BadParameter("Unexpected authentication response: %v", resp.Type)
	}
}

// ensureTransportReadyLocked implements the readiness rule: a handle
// that has never connected may run full setup; one that has a session
// and lost transport may only recover it. It returns an error only
// from the setup path; a failed recovery surfaces through
// lastRecoveryError.
func (h *Host) ensureTransportReadyLocked(ctx context.Context) (bool, error) {
	if h.running && h.authenticated && h.ws != nil {
		return true, nil
	}
	if h.sessionID == "" {
		if _, err := h.setupLocked(ctx); err != nil {
			return false, trace.Wrap(err)
		}
		return true, nil
	}
	return h.recoverTransportLocked(ctx), nil
}

// rpc sends one request and reads its response, healing the transport
// once on a transport-class failure and resending under the same
// request id. The wait bounds the response read; grace extends it past
// the server-side budget so the server's own timeout result can
// arrive.
func (h *Host) rpc(ctx context.Context, req wire.Request, wait, grace time.Duration) *Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	if req.RequestID == "" {
		req.RequestID = newRequestID()
	}

	ready, err := h.ensureTransportReadyLocked(ctx)
	if err != nil {
		return errorResult("Cannot connect to remote host: %v", err)
	}
	if !ready {
		if h.lastRecoveryError != "" {
			return &Result{Error: h.lastRecoveryError}
		}
		return &Result{Error: "Cannot connect to remote host"}
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return errorResult("%v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := h.exchangeLocked(raw, wait+grace)
		if err != nil {
			if errors.Is(err, errRecvTimeout) {
				// The socket cannot be used past an expired read
				// deadline; rebuild the transport on the next call.
				h.markTransportDownLocked()
				return errorResult("Command timed out after %v seconds", wait.Seconds())
			}
			if attempt == 0 && isTransportError(err) {
				h.log.Warnf("RPC transport issue on %v, trying auto-recover: %v.", h.cfg.Name, err)
				if h.recoverTransportLocked(ctx) {
					continue
				}
				if h.lastRecoveryError != "" {
					return &Result{Error: h.lastRecoveryError}
				}
				return &Result{Error: "Connection lost and auto-reconnect failed"}
			}
			h.log.WithError(err).Errorf("RPC failed on %v.", h.cfg.Name)
			return &Result{Error: err.Error()}
		}

		if resp.RequestID != "" && resp.RequestID != req.RequestID {
			return &Result{Error: "Mismatched request_id in response"}
		}
		switch resp.Type {
		case wire.TypeResult:
			return resultFrom(resp)
		case wire.TypeError, wire.TypeShutdownAck:
			if resp.Message != "" {
				return &Result{Error: resp.Message}
			}
			return &Result{Error: "Unknown error"}
		case wire.TypePong:
			return &Result{Success: true}
		default:
			return errorResult("Unexpected response type: %v", resp.Type)
		}
	}
	return &Result{Error: "RPC retry exhausted"}
}

// exchangeLocked performs one framed write/read pair with a response
// deadline.
func (h *Host) exchangeLocked(raw []byte, wait time.Duration) (*wire.Response, error) {
	if h.ws == nil {
		return nil, trace.ConnectionProblem(nil, "Not connected")
	}
	if err := h.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return nil, trace.ConnectionProblem(err, "writing request: %v", err)
	}

	h.ws.SetReadDeadline(h.clock.Now().Add(wait))
	_, out, err := h.ws.ReadMessage()
	h.ws.SetReadDeadline(time.Time{})
	if err != nil {
		if isTimeoutError(err) {
			return nil, errRecvTimeout
		}
		return nil, trace.ConnectionProblem(err, "reading response: %v", err)
	}

	var resp wire.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, trace.BadParameter("malformed response: %v", err)
	}
	return &resp, nil
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isTransportError classifies failures that justify transport recovery
// and an idempotent resend, as opposed to operation outcomes.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if trace.IsConnectionProblem(err) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, keyword := range []string{
		"connection closed",
		"broken pipe",
		"connection reset",
		"not connected",
		"eof",
	} {
		if strings.Contains(message, keyword) {
			return true
		}
	}
	return false
}

func newSessionID() string {
	u := uuid.New()
	return defaults.SessionIDPrefix + hex.EncodeToString(u[:4])
}

func newRequestID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
