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

// Package fleet drives the set of registered hosts: it decides when a
// host gets a fresh deploy, when a persisted session is resumed, and
// when an established connection is handed out as-is, keeping the
// registry document in sync with what is actually running.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot"
	"github.com/chtangwin/nanobot/lib/hostdb"
	"github.com/chtangwin/nanobot/lib/remote"
)

// Session is the per-host connection the manager drives; implemented
// by remote.Host.
type Session interface {
	// Setup deploys the agent and connects, returning the session id.
	Setup(ctx context.Context) (string, error)
	// Teardown stops the remote side and releases the transport.
	Teardown(ctx context.Context) error
	// RecoverTransport rebuilds the transport for the existing session.
	RecoverTransport(ctx context.Context) bool
	// Ping probes agent liveness.
	Ping(ctx context.Context) bool
	// SessionID returns the remote session id, empty before setup.
	SessionID() string
	// LocalPort returns the local tunnel port.
	LocalPort() int
	// Connected reports transport health.
	Connected() bool
	// Name returns the host's registry name.
	Name() string

	// Exec runs a shell command on the host.
	Exec(ctx context.Context, command string, timeout time.Duration) *remote.Result
	// ReadFile returns UTF-8 file content from the host.
	ReadFile(ctx context.Context, path string) *remote.Result
	// ReadBytes returns raw file content from the host.
	ReadBytes(ctx context.Context, path string) *remote.Result
	// WriteFile writes a file on the host, creating parents.
	WriteFile(ctx context.Context, path, content string) *remote.Result
	// EditFile replaces one occurrence of oldText on the host.
	EditFile(ctx context.Context, path, oldText, newText string) *remote.Result
	// ListDir lists a directory on the host.
	ListDir(ctx context.Context, path string) *remote.Result
	// RemoteLog tails the agent log over one-shot SSH.
	RemoteLog(ctx context.Context, lines int) (string, error)
}

// NewSessionFunc builds the session for a host spec. A non-empty
// sessionID resumes that remote session instead of minting one.
type NewSessionFunc func(spec *hostdb.HostSpec, sessionID string) (Session, error)

func newRemoteSession(spec *hostdb.HostSpec, sessionID string) (Session, error) {
	host, err := remote.New(remote.Config{
		Name:       spec.Name,
		SSHHost:    spec.SSHHost,
		SSHPort:    spec.SSHPort,
		SSHKeyPath: spec.SSHKeyPath,
		RemotePort: spec.RemotePort,
		LocalPort:  spec.LocalPort,
		AuthToken:  spec.AuthToken,
		SessionID:  sessionID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return host, nil
}

// Config configures the fleet manager.
type Config struct {
	// Registry is the host registry; the manager is its only writer.
	Registry *hostdb.Registry
	// NewSession builds per-host sessions; defaults to remote hosts.
	NewSession NewSessionFunc
	// Clock is used for liveness probes.
	Clock clockwork.Clock
	// Log is the manager logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing host registry")
	}
	if c.NewSession == nil {
		c.NewSession = newRemoteSession
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: nanobot.ComponentFleet,
		})
	}
	return nil
}

// HostStatus is one row of fleet state for display.
type HostStatus struct {
	// Name is the registry key.
	Name string
	// SSHHost is the user@host SSH target.
	SSHHost string
	// Workspace is the working directory hint.
	Workspace string
	// Connected reports live transport to the agent.
	Connected bool
	// SessionID is the live or persisted remote session id.
	SessionID string
}

// Manager owns host sessions and the registry document.
type Manager struct {
	cfg   Config
	log   *logrus.Entry
	clock clockwork.Clock

	// sessionMu serializes session-mutating operations, deploy, resume
	// and teardown, across the whole manager. mu only guards the map
	// and registry state and is never held while acquiring sessionMu.
	sessionMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]Session
}

// NewManager creates a fleet manager over a loaded registry.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		clock:    cfg.Clock,
		sessions: make(map[string]Session),
	}, nil
}

// AddHost registers a host and persists the registry.
func (m *Manager) AddHost(spec *hostdb.HostSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cfg.Registry.Add(spec); err != nil {
		return trace.Wrap(err)
	}
	if err := m.cfg.Registry.Save(); err != nil {
		return trace.Wrap(err)
	}
	m.log.Infof("Added host %v (%v).", spec.Name, spec.SSHHost)
	return nil
}

// RemoveHost disconnects a host if needed and drops it from the
// registry.
func (m *Manager) RemoveHost(ctx context.Context, name string) error {
	if err := m.Disconnect(ctx, name); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cfg.Registry.Remove(name); err != nil {
		return trace.Wrap(err)
	}
	if err := m.cfg.Registry.Save(); err != nil {
		return trace.Wrap(err)
	}
	m.log.Infof("Removed host %v.", name)
	return nil
}

// Connect returns a verified session for the host: an existing one
// that still answers pings, a resumed one when the registry carries a
// live session ref, or a fresh deploy.
func (m *Manager) Connect(ctx context.Context, name string) (Session, error) {
	m.mu.Lock()
	spec, err := m.cfg.Registry.Get(name)
	if err != nil {
		m.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	existing := m.sessions[name]
	m.mu.Unlock()

	if existing != nil {
		if existing.Ping(ctx) {
			return existing, nil
		}
		m.log.Infof("Existing connection to %v is stale, reconnecting.", name)
		if err := m.Disconnect(ctx, name); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m.resumeOrDeploy(ctx, spec)
}

// GetOrConnect returns the existing session without a liveness probe,
// connecting only when there is none.
func (m *Manager) GetOrConnect(ctx context.Context, name string) (Session, error) {
	m.mu.Lock()
	spec, err := m.cfg.Registry.Get(name)
	if err != nil {
		m.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	existing := m.sessions[name]
	m.mu.Unlock()

	if existing != nil {
		return existing, nil
	}
	return m.resumeOrDeploy(ctx, spec)
}

func (m *Manager) resumeOrDeploy(ctx context.Context, spec *hostdb.HostSpec) (Session, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	// A concurrent connect may have won the lock and already
	// established this host's session.
	m.mu.Lock()
	if session, ok := m.sessions[spec.Name]; ok {
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	if session := m.tryResume(ctx, spec); session != nil {
		return session, nil
	}

	session, err := m.cfg.NewSession(spec, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := session.Setup(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	m.sessions[spec.Name] = session
	m.mu.Unlock()
	m.saveSession(spec, session)
	return session, nil
}

// tryResume recovers the transport for a persisted session ref. Any
// failure keeps the ref in place and reports nil so the caller falls
// back to a full deploy.
func (m *Manager) tryResume(ctx context.Context, spec *hostdb.HostSpec) Session {
	ref := spec.ActiveSession
	if ref == nil || ref.SessionID == "" {
		return nil
	}
	m.log.Infof("Trying to resume session %v on %v.", ref.SessionID, spec.Name)

	spec.LocalPort = ref.LocalPort
	if ref.RemotePort != 0 {
		spec.RemotePort = ref.RemotePort
	}
	if ref.AuthToken != "" {
		spec.AuthToken = ref.AuthToken
	}

	session, err := m.cfg.NewSession(spec, ref.SessionID)
	if err != nil {
		m.log.Warnf("Failed to build session for %v: %v.", spec.Name, err)
		return nil
	}
	if !session.RecoverTransport(ctx) {
		m.log.Infof("Could not resume session %v on %v, redeploying.", ref.SessionID, spec.Name)
		return nil
	}

	m.mu.Lock()
	m.sessions[spec.Name] = session
	m.mu.Unlock()
	m.log.Infof("Resumed session %v on %v.", ref.SessionID, spec.Name)
	return session
}

// saveSession persists the session ref for the host; failures are
// logged and the session stays usable.
func (m *Manager) saveSession(spec *hostdb.HostSpec, session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec.LocalPort = session.LocalPort()
	spec.ActiveSession = &hostdb.SessionRef{
		SessionID:  session.SessionID(),
		LocalPort:  session.LocalPort(),
		RemotePort: spec.RemotePort,
		AuthToken:  spec.AuthToken,
	}
	if err := m.cfg.Registry.Save(); err != nil {
		m.log.Warnf("Failed to persist session for %v: %v.", spec.Name, err)
	}
}

// Disconnect tears the host's session down and clears the persisted
// ref. With no live session but a persisted one, the remote side is
// still stopped: teardown's force-stop path only needs SSH.
// Disconnecting a host with no session at all is not an error.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	m.mu.Lock()
	session := m.sessions[name]
	delete(m.sessions, name)
	spec, specErr := m.cfg.Registry.Get(name)
	m.mu.Unlock()

	if session == nil && specErr == nil {
		if ref := spec.ActiveSession; ref != nil && ref.SessionID != "" {
			built, err := m.cfg.NewSession(spec, ref.SessionID)
			if err != nil {
				m.log.Warnf("Failed to build session for %v: %v.", name, err)
			} else {
				session = built
			}
		}
	}
	if session != nil {
		if err := session.Teardown(ctx); err != nil {
			m.log.Warnf("Teardown failed for %v: %v.", name, err)
		}
	}
	m.clearSession(name)
	return nil
}

// DisconnectAll tears down every live session and every persisted one.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	names := make(map[string]struct{})
	for name := range m.sessions {
		names[name] = struct{}{}
	}
	for _, spec := range m.cfg.Registry.List() {
		if spec.ActiveSession != nil {
			names[spec.Name] = struct{}{}
		}
	}
	m.mu.Unlock()

	for name := range names {
		m.Disconnect(ctx, name)
	}
}

func (m *Manager) clearSession(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, err := m.cfg.Registry.Get(name)
	if err != nil || spec.ActiveSession == nil {
		return
	}
	spec.ActiveSession = nil
	if err := m.cfg.Registry.Save(); err != nil {
		m.log.Warnf("Failed to clear session for %v: %v.", name, err)
	}
}

// RemoteLog tails the agent log on a host. It rides the live session
// when there is one and otherwise runs over one-shot SSH against the
// persisted session, without deploying anything.
func (m *Manager) RemoteLog(ctx context.Context, name string, lines int) (string, error) {
	m.mu.Lock()
	spec, err := m.cfg.Registry.Get(name)
	if err != nil {
		m.mu.Unlock()
		return "", trace.Wrap(err)
	}
	session := m.sessions[name]
	m.mu.Unlock()

	if session == nil {
		ref := spec.ActiveSession
		if ref == nil || ref.SessionID == "" {
			return "", trace.NotFound("no active session for host %v", name)
		}
		session, err = m.cfg.NewSession(spec, ref.SessionID)
		if err != nil {
			return "", trace.Wrap(err)
		}
	}
	out, err := session.RemoteLog(ctx, lines)
	return out, trace.Wrap(err)
}

// ListHosts reports fleet state for every registered host, sorted by
// name.
func (m *Manager) ListHosts() []HostStatus {
	specs := m.cfg.Registry.List()

	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]HostStatus, 0, len(specs))
	for _, spec := range specs {
		row := HostStatus{
			Name:      spec.Name,
			SSHHost:   spec.SSHHost,
			Workspace: spec.Workspace,
		}
		if session, ok := m.sessions[spec.Name]; ok {
			row.Connected = session.Connected()
			row.SessionID = session.SessionID()
		} else if spec.ActiveSession != nil {
			row.SessionID = spec.ActiveSession.SessionID
		}
		rows = append(rows, row)
	}
	return rows
}
