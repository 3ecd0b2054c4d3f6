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

package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"

	"github.com/chtangwin/nanobot/lib/defaults"
)

// fileConfig mirrors the config.json the deploy script writes next to
// the agent binary. Fields are pointers so absent keys leave the
// flag-provided values alone.
type fileConfig struct {
	Port  *int    `json:"port"`
	Token *string `json:"token"`
	Tmux  *bool   `json:"tmux"`
}

// LoadFile overlays settings from a deployed config file onto the
// config. Only keys present in the file are applied.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return trace.BadParameter("failed to parse config file %v: %v", path, err)
	}
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.Token != nil {
		c.Token = *fc.Token
	}
	if fc.Tmux != nil {
		c.UseTmux = *fc.Tmux
	}
	return nil
}

// DetectSessionDir locates the per-session scratch directory the agent
// is running out of. The config file lives inside it when deployed; a
// bare agent started by hand falls back to the working directory if it
// looks like a session directory, and otherwise reports none.
func DetectSessionDir(configPath string) string {
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			return filepath.Dir(abs)
		}
		return filepath.Dir(configPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	if strings.HasPrefix(filepath.Base(cwd), defaults.SessionIDPrefix) {
		return cwd
	}
	return ""
}
