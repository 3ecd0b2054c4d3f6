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

package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/chtangwin/nanobot/lib/hostdb"
	"github.com/chtangwin/nanobot/lib/remote"
)

type fakeSession struct {
	mu        sync.Mutex
	name      string
	sid       string
	localPort int
	connected bool

	pingOK    bool
	recoverOK bool
	setupErr  error
	onSetup   func()

	setupCalls    int
	recoverCalls  int
	teardownCalls int
	pingCalls     int
}

func (s *fakeSession) Setup(ctx context.Context) (string, error) {
	if s.onSetup != nil {
		s.onSetup()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setupCalls++
	if s.setupErr != nil {
		return "", s.setupErr
	}
	s.sid = "nanobot-00000001"
	if s.localPort == 0 {
		s.localPort = 45678
	}
	s.connected = true
	return s.sid, nil
}

func (s *fakeSession) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownCalls++
	s.connected = false
	return nil
}

func (s *fakeSession) RecoverTransport(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoverCalls++
	if s.recoverOK {
		s.connected = true
	}
	return s.recoverOK
}

func (s *fakeSession) Ping(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingCalls++
	return s.pingOK
}

func (s *fakeSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

func (s *fakeSession) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPort
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) Exec(ctx context.Context, command string, timeout time.Duration) *remote.Result {
	return &remote.Result{Success: true, Output: "fake\n"}
}

func (s *fakeSession) ReadFile(ctx context.Context, path string) *remote.Result {
	return &remote.Result{Success: true}
}

func (s *fakeSession) ReadBytes(ctx context.Context, path string) *remote.Result {
	return &remote.Result{Success: true}
}

func (s *fakeSession) WriteFile(ctx context.Context, path, content string) *remote.Result {
	return &remote.Result{Success: true}
}

func (s *fakeSession) EditFile(ctx context.Context, path, oldText, newText string) *remote.Result {
	return &remote.Result{Success: true}
}

func (s *fakeSession) ListDir(ctx context.Context, path string) *remote.Result {
	return &remote.Result{Success: true}
}

func (s *fakeSession) RemoteLog(ctx context.Context, lines int) (string, error) {
	return "fake log", nil
}

type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakeSession
	pingOK    bool
	recoverOK bool
	setupErr  error
	onSetup   func()
}

func (f *fakeFactory) new(spec *hostdb.HostSpec, sessionID string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{
		name:      spec.Name,
		sid:       sessionID,
		localPort: spec.LocalPort,
		pingOK:    f.pingOK,
		recoverOK: f.recoverOK,
		setupErr:  f.setupErr,
		onSetup:   f.onSetup,
	}
	f.created = append(f.created, s)
	return s, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory, *hostdb.Registry) {
	t.Helper()
	registry, err := hostdb.Load(filepath.Join(t.TempDir(), "hosts.json"))
	require.NoError(t, err)
	factory := &fakeFactory{pingOK: true, recoverOK: true}
	m, err := NewManager(Config{Registry: registry, NewSession: factory.new})
	require.NoError(t, err)
	return m, factory, registry
}

func addHost(t *testing.T, m *Manager, name string) *hostdb.HostSpec {
	t.Helper()
	spec := &hostdb.HostSpec{
		Name:      name,
		SSHHost:   "ci@" + name,
		AuthToken: "sekrit",
		Workspace: "/srv/build",
	}
	require.NoError(t, m.AddHost(spec))
	return spec
}

// reload parses the registry file fresh from disk, to assert what was
// actually persisted.
func reload(t *testing.T, registry *hostdb.Registry) *hostdb.Registry {
	t.Helper()
	r, err := hostdb.Load(registry.Path())
	require.NoError(t, err)
	return r
}

func TestManagerAddRemove(t *testing.T) {
	m, _, registry := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")

	spec, err := reload(t, registry).Get("build1")
	require.NoError(t, err)
	require.Equal(t, "ci@build1", spec.SSHHost)
	require.Equal(t, 22, spec.SSHPort)
	require.Equal(t, 8765, spec.RemotePort)

	err = m.AddHost(&hostdb.HostSpec{Name: "build1", SSHHost: "other@build1"})
	require.True(t, trace.IsAlreadyExists(err))

	require.NoError(t, m.RemoveHost(ctx, "build1"))
	_, err = reload(t, registry).Get("build1")
	require.True(t, trace.IsNotFound(err))

	err = m.RemoveHost(ctx, "build1")
	require.True(t, trace.IsNotFound(err))
}

func TestManagerConnectDeploysAndPersists(t *testing.T) {
	m, factory, registry := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")

	session, err := m.Connect(ctx, "build1")
	require.NoError(t, err)
	require.True(t, session.Connected())
	require.Equal(t, 1, factory.count())
	require.Equal(t, 1, factory.session(0).setupCalls)

	// The deploy outcome is persisted so a later process can resume.
	spec, err := reload(t, registry).Get("build1")
	require.NoError(t, err)
	require.NotNil(t, spec.ActiveSession)
	require.Equal(t, "nanobot-00000001", spec.ActiveSession.SessionID)
	require.Equal(t, 45678, spec.ActiveSession.LocalPort)
	require.Equal(t, 8765, spec.ActiveSession.RemotePort)
	require.Equal(t, "sekrit", spec.ActiveSession.AuthToken)
	require.Equal(t, 45678, spec.LocalPort)
}

func TestManagerConnectReusesHealthy(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")

	first, err := m.Connect(ctx, "build1")
	require.NoError(t, err)
	second, err := m.Connect(ctx, "build1")
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, factory.count())
	require.Equal(t, 1, factory.session(0).pingCalls)
}

func TestManagerConnectReplacesStale(t *testing.T) {
	m, factory, registry := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")

	first, err := m.Connect(ctx, "build1")
	require.NoError(t, err)

	// The agent stops answering pings: the session is torn down and,
	// with its ref cleared on disconnect, replaced by a fresh deploy.
	factory.session(0).mu.Lock()
	factory.session(0).pingOK = false
	factory.session(0).mu.Unlock()

	second, err := m.Connect(ctx, "build1")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, 1, factory.session(0).teardownCalls)
	require.Equal(t, 2, factory.count())
	require.Equal(t, 1, factory.session(1).setupCalls)
	require.Equal(t, 0, factory.session(1).recoverCalls)

	spec, err := reload(t, registry).Get("build1")
	require.NoError(t, err)
	require.NotNil(t, spec.ActiveSession)
}

func TestManagerGetOrConnectSkipsPing(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")

	first, err := m.Connect(ctx, "build1")
	require.NoError(t, err)

	factory.session(0).mu.Lock()
	factory.session(0).pingOK = false
	factory.session(0).mu.Unlock()

	second, err := m.GetOrConnect(ctx, "build1")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 0, factory.session(0).pingCalls)
	require.Equal(t, 1, factory.count())
}

func TestManagerConcurrentConnectDeploysOnce(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")

	// Hold the first deploy open so a second connect arrives while the
	// host has no session yet.
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	factory.onSetup = func() {
		entered <- struct{}{}
		<-gate
	}

	type outcome struct {
		session Session
		err     error
	}
	results := make(chan outcome, 2)
	go func() {
		s, err := m.GetOrConnect(ctx, "build1")
		results <- outcome{s, err}
	}()
	<-entered
	go func() {
		s, err := m.GetOrConnect(ctx, "build1")
		results <- outcome{s, err}
	}()
	close(gate)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	require.Same(t, first.session, second.session)
	require.Equal(t, 1, factory.count())
	require.Equal(t, 1, factory.session(0).setupCalls)
}

func TestManagerResume(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	spec := addHost(t, m, "build1")
	spec.ActiveSession = &hostdb.SessionRef{
		SessionID:  "nanobot-aaaa1111",
		LocalPort:  40123,
		RemotePort: 9000,
		AuthToken:  "saved-token",
	}

	session, err := m.Connect(ctx, "build1")
	require.NoError(t, err)
	require.Equal(t, "nanobot-aaaa1111", session.SessionID())
	require.Equal(t, 1, factory.count())
	require.Equal(t, 1, factory.session(0).recoverCalls)
	require.Equal(t, 0, factory.session(0).setupCalls)

	// The ref's transport coordinates were restored into the spec.
	require.Equal(t, 40123, spec.LocalPort)
	require.Equal(t, 9000, spec.RemotePort)
	require.Equal(t, "saved-token", spec.AuthToken)
	require.NotNil(t, spec.ActiveSession)
}

func TestManagerResumeFallsBackToDeploy(t *testing.T) {
	m, factory, registry := newTestManager(t)
	ctx := context.Background()
	spec := addHost(t, m, "build1")
	spec.ActiveSession = &hostdb.SessionRef{SessionID: "nanobot-aaaa1111", LocalPort: 40123}
	factory.recoverOK = false

	session, err := m.Connect(ctx, "build1")
	require.NoError(t, err)
	require.Equal(t, "nanobot-00000001", session.SessionID())
	require.Equal(t, 2, factory.count())
	require.Equal(t, 1, factory.session(0).recoverCalls)
	require.Equal(t, 1, factory.session(1).setupCalls)

	saved, err := reload(t, registry).Get("build1")
	require.NoError(t, err)
	require.Equal(t, "nanobot-00000001", saved.ActiveSession.SessionID)
}

func TestManagerDisconnect(t *testing.T) {
	m, factory, registry := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")

	_, err := m.Connect(ctx, "build1")
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(ctx, "build1"))
	require.Equal(t, 1, factory.session(0).teardownCalls)

	spec, err := reload(t, registry).Get("build1")
	require.NoError(t, err)
	require.Nil(t, spec.ActiveSession)

	// Disconnecting again, or a host that was never connected, is fine.
	require.NoError(t, m.Disconnect(ctx, "build1"))
	require.NoError(t, m.Disconnect(ctx, "elsewhere"))
}

func TestManagerDisconnectPersistedSession(t *testing.T) {
	m, factory, registry := newTestManager(t)
	ctx := context.Background()
	spec := addHost(t, m, "build1")
	spec.ActiveSession = &hostdb.SessionRef{SessionID: "nanobot-aaaa1111"}
	require.NoError(t, registry.Save())

	// No live session in this process, but the persisted one is still
	// stopped remotely and its ref cleared.
	require.NoError(t, m.Disconnect(ctx, "build1"))
	require.Equal(t, 1, factory.count())
	require.Equal(t, "nanobot-aaaa1111", factory.session(0).sid)
	require.Equal(t, 1, factory.session(0).teardownCalls)
	require.Equal(t, 0, factory.session(0).recoverCalls)

	saved, err := reload(t, registry).Get("build1")
	require.NoError(t, err)
	require.Nil(t, saved.ActiveSession)
}

func TestManagerDisconnectAll(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")
	addHost(t, m, "build2")
	orphan := addHost(t, m, "build3")
	orphan.ActiveSession = &hostdb.SessionRef{SessionID: "nanobot-0ddba11d"}

	_, err := m.Connect(ctx, "build1")
	require.NoError(t, err)
	_, err = m.Connect(ctx, "build2")
	require.NoError(t, err)

	m.DisconnectAll(ctx)
	require.Equal(t, 1, factory.session(0).teardownCalls)
	require.Equal(t, 1, factory.session(1).teardownCalls)
	// The persisted-only host got a teardown session too.
	require.Equal(t, 3, factory.count())
	require.Equal(t, 1, factory.session(2).teardownCalls)
	for _, row := range m.ListHosts() {
		require.Empty(t, row.SessionID)
	}
}

func TestManagerListHosts(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build2")
	spec := addHost(t, m, "build1")
	spec.Workspace = "/srv/other"

	_, err := m.Connect(ctx, "build1")
	require.NoError(t, err)

	rows := m.ListHosts()
	require.Len(t, rows, 2)
	require.Equal(t, "build1", rows[0].Name)
	require.Equal(t, "ci@build1", rows[0].SSHHost)
	require.Equal(t, "/srv/other", rows[0].Workspace)
	require.True(t, rows[0].Connected)
	require.Equal(t, "nanobot-00000001", rows[0].SessionID)
	require.Equal(t, "build2", rows[1].Name)
	require.False(t, rows[1].Connected)
	require.Empty(t, rows[1].SessionID)
}

func TestManagerRemoteLog(t *testing.T) {
	m, factory, _ := newTestManager(t)
	ctx := context.Background()
	spec := addHost(t, m, "build1")

	// No live or persisted session to tail.
	_, err := m.RemoteLog(ctx, "build1", 50)
	require.True(t, trace.IsNotFound(err))

	// A persisted session is tailed over one-shot SSH without
	// establishing a transport.
	spec.ActiveSession = &hostdb.SessionRef{SessionID: "nanobot-aaaa1111"}
	out, err := m.RemoteLog(ctx, "build1", 50)
	require.NoError(t, err)
	require.Equal(t, "fake log", out)
	require.Equal(t, 1, factory.count())
	require.Equal(t, 0, factory.session(0).recoverCalls)
	require.False(t, m.ListHosts()[0].Connected)
}

func TestManagerConnectUnknownHost(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Connect(context.Background(), "ghost")
	require.True(t, trace.IsNotFound(err))
	_, err = m.GetOrConnect(context.Background(), "ghost")
	require.True(t, trace.IsNotFound(err))
}

func TestManagerSetupFailureSurfaces(t *testing.T) {
	m, factory, registry := newTestManager(t)
	ctx := context.Background()
	addHost(t, m, "build1")
	factory.setupErr = fmt.Errorf("deploy script failed on build1")

	_, err := m.Connect(ctx, "build1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "deploy script failed")
	require.Empty(t, m.ListHosts()[0].SessionID)

	spec, err := reload(t, registry).Get("build1")
	require.NoError(t, err)
	require.Nil(t, spec.ActiveSession)
}
