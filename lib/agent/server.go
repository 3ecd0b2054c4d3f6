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

// Package agent implements the remote execution server: a WebSocket RPC
// endpoint that multiplexes shell execution through a persistent tmux
// pane and structured filesystem operations. It runs on the remote host
// behind an SSH tunnel and is deployed there by the client as a
// self-contained binary.
package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/chtangwin/nanobot"
	"github.com/chtangwin/nanobot/lib/defaults"
	"github.com/chtangwin/nanobot/lib/wire"
)

// Config holds the agent server settings. The standalone binary fills
// it from flags and the deployed config.json; tests construct it
// directly.
type Config struct {
	// Port is the TCP port to bind on 0.0.0.0. The SSH tunnel is the
	// only expected route to it.
	Port int
	// Token is the shared handshake secret; empty accepts any client.
	Token string
	// UseTmux selects the persistent-pane executor. Without it every
	// command runs in a fresh subshell and loses cwd/env continuity.
	UseTmux bool
	// SessionDir is this session's scratch directory, holding the tmux
	// socket and pid files. Empty falls back to a shared socket path.
	SessionDir string
	// Clock is used by the executor poll loops.
	Clock clockwork.Clock
	// Log is the server logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Port == 0 {
		c.Port = defaults.AgentListenPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return trace.BadParameter("invalid listen port %v", c.Port)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: nanobot.ComponentAgent,
		})
	}
	return nil
}

// frameAction tells the connection loop what to do after writing a
// response.
type frameAction int

const (
	actionNone frameAction = iota
	// actionCloseConn closes this connection; the server keeps serving.
	actionCloseConn
	// actionShutdown stops the whole server process.
	actionShutdown
)

// outcome pairs a response with its post-write action for the
// singleflight path.
type outcome struct {
	resp   *wire.Response
	action frameAction
}

// Server accepts WebSocket connections, authenticates them, and
// dispatches protocol messages. One executor and one idempotency cache
// are shared by all connections for the lifetime of the process.
type Server struct {
	cfg      Config
	executor *CommandExecutor
	cache    *requestCache
	flight   singleflight.Group
	httpSrv  *http.Server

	closeContext context.Context
	closeCancel  context.CancelFunc
	stopOnce     sync.Once

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New creates a server from the config. Call Serve to start accepting.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	socketPath := defaults.FallbackTmuxSocket
	if cfg.SessionDir != "" {
		socketPath = filepath.Join(cfg.SessionDir, defaults.TmuxSocketName)
	}
	execLog := logrus.WithFields(logrus.Fields{
		trace.Component: nanobot.ComponentExec,
	})

	closeContext, closeCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:          cfg,
		executor:     newCommandExecutor(cfg.UseTmux, socketPath, cfg.Clock, execLog),
		cache:        newRequestCache(defaults.RequestCacheSize),
		closeContext: closeContext,
		closeCancel:  closeCancel,
		conns:        make(map[*websocket.Conn]struct{}),
	}
	s.httpSrv = &http.Server{Handler: s}
	return s, nil
}

// ListenAndServe binds 0.0.0.0 on the configured port and serves until
// Stop is called or the listener fails.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%v", s.cfg.Port))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	return s.Serve(l)
}

// Serve accepts connections on the listener until Stop is called. On
// return the tmux session has been destroyed.
func (s *Server) Serve(l net.Listener) error {
	s.cfg.Log.Infof("Server listening on ws://%v.", l.Addr())
	err := s.httpSrv.Serve(l)

	// Serve returns once the listener is closed; connection handlers
	// are unwound by Stop closing their websockets.
	s.executor.Cleanup()

	select {
	case <-s.closeContext.Done():
		return nil
	default:
		return trace.Wrap(err)
	}
}

// Stop shuts the server down: the acceptor unwinds, open connections
// are closed, and Serve returns. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cfg.Log.Info("Stopping server.")
		s.closeCancel()
		s.httpSrv.Close()

		// The HTTP server does not track hijacked connections, so the
		// websockets are closed by hand.
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
}

// Done is closed once a shutdown has been requested.
func (s *Server) Done() <-chan struct{} {
	return s.closeContext.Done()
}

// ServeHTTP upgrades one client connection and runs its message loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Log.WithError(err).Error("Error upgrading to websocket.")
		return
	}

	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		ws.Close()
	}()

	s.cfg.Log.Infof("New connection from %v.", ws.RemoteAddr())
	ws.SetReadLimit(defaults.MaxFrameBytes)

	if !s.authenticate(ws) {
		return
	}
	s.serveConn(ws)
}

// authenticate reads the handshake frame and compares its token against
// the configured one. An empty configured token accepts any client.
func (s *Server) authenticate(ws *websocket.Conn) bool {
	ws.SetReadDeadline(s.cfg.Clock.Now().Add(defaults.AuthTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		s.cfg.Log.WithError(err).Warn("Authentication error.")
		return false
	}
	var auth wire.AuthRequest
	if err := json.Unmarshal(raw, &auth); err != nil {
		s.cfg.Log.WithError(err).Warn("Malformed authentication frame.")
		return false
	}

	if s.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(auth.Token), []byte(s.cfg.Token)) != 1 {
		s.writeResponse(ws, &wire.Response{
			Type:    wire.TypeError,
			Message: wire.AuthFailedMessage,
		})
		s.cfg.Log.Warn("Authentication failed.")
		return false
	}

	if err := s.writeResponse(ws, &wire.Response{
		Type:    wire.TypeAuthenticated,
		Message: "Connection established",
	}); err != nil {
		return false
	}
	ws.SetReadDeadline(time.Time{})
	s.cfg.Log.Info("Authentication successful.")
	return true
}

// serveConn runs the strictly serial read, dispatch, write loop for one
// authenticated connection.
func (s *Server) serveConn(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.cfg.Log.Debugf("Connection closed: %v.", err)
			return
		}

		resp, action := s.handleFrame(raw)
		if err := s.writeResponse(ws, resp); err != nil {
			s.cfg.Log.WithError(err).Warn("Failed to write response.")
			return
		}

		switch action {
		case actionCloseConn:
			s.cfg.Log.Info("Received close message, closing connection.")
			return
		case actionShutdown:
			s.cfg.Log.Info("Received shutdown message, stopping server.")
			s.Stop()
			return
		}
	}
}

func (s *Server) writeResponse(ws *websocket.Conn, resp *wire.Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(ws.WriteMessage(websocket.TextMessage, raw))
}

// handleFrame decodes one request frame and routes it through the
// idempotency layer when it carries a request id.
func (s *Server) handleFrame(raw []byte) (*wire.Response, frameAction) {
	var req wire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return &wire.Response{Type: wire.TypeError, Message: "Invalid JSON"}, actionNone
	}

	// Fast path: no idempotency key, dispatch directly.
	if req.RequestID == "" {
		return s.dispatch(&req)
	}

	hash, err := wire.PayloadHash(raw)
	if err != nil {
		return &wire.Response{
			Type:      wire.TypeError,
			RequestID: req.RequestID,
			Message:   err.Error(),
		}, actionNone
	}
	return s.handleIdempotent(&req, hash)
}

// handleIdempotent gives at-most-once semantics to keyed requests:
// completed requests replay their cached response, concurrent retries
// coalesce onto the in-flight execution, and a replay whose payload
// hashes differently is rejected without executing.
func (s *Server) handleIdempotent(req *wire.Request, hash string) (*wire.Response, frameAction) {
	requestID := req.RequestID

	ran := false
	v, _, _ := s.flight.Do(requestID, func() (any, error) {
		if entry, ok := s.cache.lookup(requestID); ok {
			if entry.hash != hash {
				return &outcome{resp: &wire.Response{
					Type:      wire.TypeError,
					RequestID: requestID,
					Message:   wire.ReusedRequestIDMessage,
				}}, nil
			}
			return &outcome{resp: entry.resp}, nil
		}

		ran = true
		resp, action := s.dispatch(req)
		resp.RequestID = requestID
		s.cache.store(requestID, hash, resp)
		return &outcome{resp: resp, action: action}, nil
	})

	out := v.(*outcome)
	if !ran {
		// Replays and coalesced retries get the response but never
		// drive connection state.
		return out.resp, actionNone
	}
	return out.resp, out.action
}

// dispatch maps a request to its handler. Every failure becomes a
// response frame; nothing escapes the loop.
func (s *Server) dispatch(req *wire.Request) (*wire.Response, frameAction) {
	protoError := func(format string, args ...any) (*wire.Response, frameAction) {
		return &wire.Response{
			Type:    wire.TypeError,
			Message: fmt.Sprintf(format, args...),
		}, actionNone
	}

	switch req.Type {
	case wire.TypeExec, wire.TypeExecute:
		if req.Command == "" {
			return protoError("No command provided")
		}
		s.cfg.Log.Infof("Executing: %v.", truncateCommand(req.Command))
		budget := defaults.ExecTimeout
		if req.Timeout > 0 {
			budget = time.Duration(req.Timeout * float64(time.Second))
		}
		resp := s.executor.Exec(s.closeContext, req.Command, budget)
		resp.Type = wire.TypeResult
		resp.Command = req.Command
		return resp, actionNone

	case wire.TypeReadFile:
		if req.Path == "" {
			return protoError("No path provided")
		}
		return asResult(readFile(req.Path)), actionNone

	case wire.TypeReadBytes:
		if req.Path == "" {
			return protoError("No path provided")
		}
		return asResult(readBytes(req.Path)), actionNone

	case wire.TypeWriteFile:
		if req.Path == "" {
			return protoError("No path provided")
		}
		if req.Content == nil {
			return protoError("No content provided")
		}
		return asResult(writeFile(req.Path, *req.Content)), actionNone

	case wire.TypeEditFile:
		if req.Path == "" {
			return protoError("No path provided")
		}
		if req.OldText == nil || req.NewText == nil {
			return protoError("old_text/new_text required")
		}
		return asResult(editFile(req.Path, *req.OldText, *req.NewText)), actionNone

	case wire.TypeListDir:
		if req.Path == "" {
			return protoError("No path provided")
		}
		return asResult(listDir(req.Path)), actionNone

	case wire.TypePing:
		return &wire.Response{Type: wire.TypePong}, actionNone

	case wire.TypeClose:
		return &wire.Response{
			Type:    wire.TypeResult,
			Success: wire.Bool(true),
			Message: "Connection closing",
		}, actionCloseConn

	case wire.TypeShutdown:
		return &wire.Response{
			Type:    wire.TypeShutdownAck,
			Message: "Server shutting down",
		}, actionShutdown

	default:
		return protoError("Unknown message type: %v", req.Type)
	}
}

func asResult(resp *wire.Response) *wire.Response {
	resp.Type = wire.TypeResult
	return resp
}

func truncateCommand(command string) string {
	const maxLen = 100
	if len(command) <= maxLen {
		return command
	}
	return command[:maxLen] + "..."
}
