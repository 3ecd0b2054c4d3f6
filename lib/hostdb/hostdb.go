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

// Package hostdb persists the fleet host registry: one JSON document
// holding every configured host and its last known session. The fleet
// manager is the only writer; it serializes access, so the registry
// itself carries no locking.
package hostdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot"
	"github.com/chtangwin/nanobot/lib/defaults"
)

var log = logrus.WithFields(logrus.Fields{
	trace.Component: nanobot.ComponentFleet,
})

// SessionRef is the snapshot persisted when a deploy succeeds, enough
// to resume the session after the local process restarts.
type SessionRef struct {
	SessionID  string `json:"session_id"`
	LocalPort  int    `json:"local_port"`
	RemotePort int    `json:"remote_port"`
	AuthToken  string `json:"auth_token,omitempty"`
}

// HostSpec configures one remote host, keyed by Name in the registry
// document.
type HostSpec struct {
	// Name is the registry key; it is not serialized inside the host
	// object.
	Name string `json:"-"`
	// SSHHost is the user@host SSH target.
	SSHHost string `json:"ssh_host"`
	// SSHPort is the SSH daemon port.
	SSHPort int `json:"ssh_port"`
	// SSHKeyPath optionally points at a private key.
	SSHKeyPath string `json:"ssh_key_path,omitempty"`
	// RemotePort is where the agent listens on the remote loopback.
	RemotePort int `json:"remote_port"`
	// LocalPort is the local end of the tunnel, assigned lazily.
	LocalPort int `json:"local_port,omitempty"`
	// AuthToken is the shared WebSocket handshake secret.
	AuthToken string `json:"auth_token,omitempty"`
	// Workspace is a working directory hint for callers.
	Workspace string `json:"workspace,omitempty"`
	// ActiveSession survives restarts; cleared on disconnect.
	ActiveSession *SessionRef `json:"active_session,omitempty"`
}

// CheckAndSetDefaults validates the spec and fills in defaults.
func (s *HostSpec) CheckAndSetDefaults() error {
	if s.Name == "" {
		return trace.BadParameter("missing host name")
	}
	if s.SSHHost == "" {
		return trace.BadParameter("missing ssh target for host %q", s.Name)
	}
	if s.SSHPort == 0 {
		s.SSHPort = defaults.SSHPort
	}
	if s.RemotePort == 0 {
		s.RemotePort = defaults.AgentListenPort
	}
	return nil
}

// Registry is the in-memory registry bound to its backing file.
type Registry struct {
	path  string
	hosts map[string]*HostSpec
}

type document struct {
	Hosts map[string]*HostSpec `json:"hosts"`
}

// DefaultPath resolves the registry location: NANOBOT_CONFIG_DIR when
// set, otherwise ~/.nanobot.
func DefaultPath() (string, error) {
	if dir := os.Getenv(nanobot.ConfigDirEnvVar); dir != "" {
		return filepath.Join(dir, nanobot.HostsFileName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return filepath.Join(home, nanobot.ConfigDirName, nanobot.HostsFileName), nil
}

// Load reads the registry document at path. A missing or empty file
// initializes an empty registry and persists it; a document that fails
// to parse is an error, never silently recreated.
func Load(path string) (*Registry, error) {
	if path == "" {
		return nil, trace.BadParameter("missing registry path")
	}
	r := &Registry{path: path, hosts: make(map[string]*HostSpec)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, trace.ConvertSystemError(err)
		}
		if err := r.Save(); err != nil {
			return nil, trace.Wrap(err)
		}
		log.Infof("Initialized empty host registry at %v.", path)
		return r, nil
	}
	if len(raw) == 0 {
		if err := r.Save(); err != nil {
			return nil, trace.Wrap(err)
		}
		return r, nil
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, trace.BadParameter("invalid host registry %v: %v", path, err)
	}
	for name, spec := range doc.Hosts {
		spec.Name = name
		if err := spec.CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err)
		}
		r.hosts[name] = spec
	}
	return r, nil
}

// LoadDefault loads the registry from its default location.
func LoadDefault() (*Registry, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r, err := Load(path)
	return r, trace.Wrap(err)
}

// Path returns the backing file location.
func (r *Registry) Path() string {
	return r.path
}

// Save writes the whole document atomically: marshal, write a
// temporary file next to the target, rename over it.
func (r *Registry) Save() error {
	doc := document{Hosts: r.hosts}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, defaults.PrivateDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp, err := os.CreateTemp(dir, nanobot.HostsFileName+".tmp-")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Chmod(defaults.PrivateFileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return trace.ConvertSystemError(err)
	}
	log.Debugf("Saved host registry with %v hosts to %v.", len(r.hosts), r.path)
	return nil
}

// Add registers a new host. Adding a name that already exists is an
// error; session persistence goes through Put.
func (r *Registry) Add(spec *HostSpec) error {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if _, ok := r.hosts[spec.Name]; ok {
		return trace.AlreadyExists("host %q already registered", spec.Name)
	}
	r.hosts[spec.Name] = spec
	return nil
}

// Put inserts or replaces a host entry.
func (r *Registry) Put(spec *HostSpec) error {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	r.hosts[spec.Name] = spec
	return nil
}

// Remove drops a host from the registry.
func (r *Registry) Remove(name string) error {
	if _, ok := r.hosts[name]; !ok {
		return trace.NotFound("host %q is not registered", name)
	}
	delete(r.hosts, name)
	return nil
}

// Get returns the registered spec. Callers hold the single registry
// writer lock (the fleet manager), so mutating the returned spec and
// calling Save is the supported update path.
func (r *Registry) Get(name string) (*HostSpec, error) {
	spec, ok := r.hosts[name]
	if !ok {
		return nil, trace.NotFound("host %q is not registered", name)
	}
	return spec, nil
}

// List returns all hosts sorted by name.
func (r *Registry) List() []*HostSpec {
	out := make([]*HostSpec, 0, len(r.hosts))
	for _, spec := range r.hosts {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports how many hosts are registered.
func (r *Registry) Len() int {
	return len(r.hosts)
}
