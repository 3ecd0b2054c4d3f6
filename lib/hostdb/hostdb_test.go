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

package hostdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/chtangwin/nanobot/lib/defaults"
)

func TestLoadMissingFileInitializesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")

	r, err := Load(path)
	require.NoError(t, err)
	require.Zero(t, r.Len())

	// The empty document must have been persisted back to disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"hosts":{}}`, string(raw))
}

func TestLoadEmptyFileInitializesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	require.Zero(t, r.Len())
}

func TestLoadCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"hosts": [`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))

	// Corrupt documents are surfaced, never silently recreated.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, `{"hosts": [`, string(raw))
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")

	r, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, r.Add(&HostSpec{
		Name:    "build1",
		SSHHost: "ci@build1.example.com",
	}))
	require.NoError(t, r.Add(&HostSpec{
		Name:       "gpu",
		SSHHost:    "root@10.0.0.7",
		SSHPort:    2222,
		SSHKeyPath: "/home/ci/.ssh/id_ed25519",
		AuthToken:  "s3cret",
		Workspace:  "/srv/work",
	}))
	require.NoError(t, r.Save())

	back, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, back.Len())

	spec, err := back.Get("build1")
	require.NoError(t, err)
	require.Equal(t, "ci@build1.example.com", spec.SSHHost)
	require.Equal(t, defaults.SSHPort, spec.SSHPort)
	require.Equal(t, defaults.AgentListenPort, spec.RemotePort)

	spec, err = back.Get("gpu")
	require.NoError(t, err)
	require.Equal(t, 2222, spec.SSHPort)
	require.Equal(t, "s3cret", spec.AuthToken)

	names := []string{}
	for _, s := range back.List() {
		names = append(names, s.Name)
	}
	require.Equal(t, []string{"build1", "gpu"}, names)
}

func TestAddDuplicate(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "hosts.json"))
	require.NoError(t, err)

	require.NoError(t, r.Add(&HostSpec{Name: "h", SSHHost: "u@h"}))
	err = r.Add(&HostSpec{Name: "h", SSHHost: "other@h"})
	require.Error(t, err)
	require.True(t, trace.IsAlreadyExists(err))

	// Put replaces without complaint.
	require.NoError(t, r.Put(&HostSpec{Name: "h", SSHHost: "other@h"}))
	spec, err := r.Get("h")
	require.NoError(t, err)
	require.Equal(t, "other@h", spec.SSHHost)
}

func TestRemove(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "hosts.json"))
	require.NoError(t, err)

	err = r.Remove("ghost")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, r.Add(&HostSpec{Name: "h", SSHHost: "u@h"}))
	require.NoError(t, r.Remove("h"))
	_, err = r.Get("h")
	require.True(t, trace.IsNotFound(err))
}

func TestSessionPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.json")

	r, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, r.Add(&HostSpec{Name: "h", SSHHost: "u@h"}))

	spec, err := r.Get("h")
	require.NoError(t, err)
	spec.LocalPort = 39812
	spec.ActiveSession = &SessionRef{
		SessionID:  "nanobot-deadbeef",
		LocalPort:  39812,
		RemotePort: defaults.AgentListenPort,
		AuthToken:  "tok",
	}
	require.NoError(t, r.Save())

	back, err := Load(path)
	require.NoError(t, err)
	spec, err = back.Get("h")
	require.NoError(t, err)
	require.NotNil(t, spec.ActiveSession)
	require.Equal(t, "nanobot-deadbeef", spec.ActiveSession.SessionID)
	require.Equal(t, 39812, spec.ActiveSession.LocalPort)

	spec.ActiveSession = nil
	require.NoError(t, back.Save())

	again, err := Load(path)
	require.NoError(t, err)
	spec, err = again.Get("h")
	require.NoError(t, err)
	require.Nil(t, spec.ActiveSession)
}

func TestValidation(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "hosts.json"))
	require.NoError(t, err)

	err = r.Add(&HostSpec{SSHHost: "u@h"})
	require.True(t, trace.IsBadParameter(err))

	err = r.Add(&HostSpec{Name: "h"})
	require.True(t, trace.IsBadParameter(err))
}

func TestDefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NANOBOT_CONFIG_DIR", dir)

	path, err := DefaultPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "hosts.json"), path)

	t.Setenv("NANOBOT_CONFIG_DIR", "")
	path, err = DefaultPath()
	require.NoError(t, err)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".nanobot", "hosts.json"), path)
}
