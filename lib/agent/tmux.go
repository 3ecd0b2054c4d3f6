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
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot/lib/defaults"
)

// tmuxSession owns one tmux session on a dedicated socket. Commands
// are wrapped with unique markers so output can be extracted from the
// pane regardless of prompt format or special characters; the end
// marker embeds the exit code.
type tmuxSession struct {
	sessionName string
	socketPath  string
	clock       clockwork.Clock
	log         *logrus.Entry
	running     bool
}

func newTmuxSession(socketPath string, clock clockwork.Clock, log *logrus.Entry) *tmuxSession {
	return &tmuxSession{
		sessionName: defaults.TmuxSessionName,
		socketPath:  socketPath,
		clock:       clock,
		log:         log,
	}
}

func (s *tmuxSession) command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, "tmux", append([]string{"-S", s.socketPath}, args...)...)
}

// run executes a tmux subcommand and returns its stdout. Exit status
// is folded into err.
func (s *tmuxSession) run(ctx context.Context, args ...string) (string, error) {
	out, err := s.command(ctx, args...).Output()
	return string(out), err
}

func (s *tmuxSession) hasSession(ctx context.Context) bool {
	_, err := s.run(ctx, "has-session", "-t", s.sessionName)
	return err == nil
}

// create starts the session if it is not running yet. A session left
// behind by a previous server process on the same socket is killed
// first.
func (s *tmuxSession) create(ctx context.Context) error {
	if s.running {
		return nil
	}

	if dir := filepath.Dir(s.socketPath); dir != "" {
		if err := os.MkdirAll(dir, defaults.SharedDirMode); err != nil {
			return trace.ConvertSystemError(err)
		}
	}

	if s.hasSession(ctx) {
		s.run(ctx, "kill-session", "-t", s.sessionName)
		s.log.Infof("Cleaned up stale tmux session: %v.", s.sessionName)
	}

	if _, err := s.run(ctx, "new-session", "-d", "-s", s.sessionName, "-n", "shell"); err != nil {
		return trace.Wrap(err, "creating tmux session on %v", s.socketPath)
	}
	s.running = true
	s.log.Infof("Created tmux session %v on socket %v.", s.sessionName, s.socketPath)

	// Record the tmux server PID so the client's force-stop fallback
	// can find it over SSH.
	out, err := s.run(ctx, "display-message", "-p", "#{pid}")
	if err == nil && strings.TrimSpace(out) != "" {
		pidPath := filepath.Join(filepath.Dir(s.socketPath), "tmux.pid")
		if err := os.WriteFile(pidPath, []byte(strings.TrimSpace(out)), defaults.SharedFileMode); err != nil {
			s.log.Warnf("Could not save tmux PID: %v.", err)
		}
	} else if err != nil {
		s.log.Warnf("Could not read tmux server PID: %v.", err)
	}
	return nil
}

// sendAndCapture runs one command in the pane and scrapes its output.
// The budget bounds the poll loop; on expiry whatever was captured is
// returned with exit code -1.
func (s *tmuxSession) sendAndCapture(ctx context.Context, command string, budget time.Duration) (string, int, error) {
	u := uuid.New()
	markerID := hex.EncodeToString(u[:6])
	startMarker := fmt.Sprintf("__NANOBOT_START_%v__", markerID)
	endMarker := fmt.Sprintf("__NANOBOT_END_%v__", markerID)

	// The blank echo guarantees the end marker starts on its own line
	// even when the command output lacks a trailing newline.
	wrapped := fmt.Sprintf("echo %v; %v; _nanobot_ec=$?; echo; echo %v_${_nanobot_ec}",
		startMarker, command, endMarker)

	escaped := strings.ReplaceAll(wrapped, "'", `'\''`)
	if _, err := s.run(ctx, "send-keys", "-t", s.sessionName, "-l", "--", escaped); err != nil {
		return "", -1, trace.Wrap(err, "sending command to tmux")
	}
	if _, err := s.run(ctx, "send-keys", "-t", s.sessionName, "Enter"); err != nil {
		return "", -1, trace.Wrap(err, "sending Enter to tmux")
	}

	interval := defaults.CapturePollInterval
	deadline := s.clock.Now().Add(budget)
	raw := ""

	for s.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return extractPartial(raw, startMarker), -1, nil
		case <-s.clock.After(interval):
		}
		raw = s.captureRaw(ctx)
		if markerDone(raw, endMarker) {
			output, exitCode := parseMarkers(raw, startMarker, endMarker)
			return output, exitCode, nil
		}
		interval *= 2
		if interval > defaults.CapturePollMax {
			interval = defaults.CapturePollMax
		}
	}

	s.log.Warnf("Capture timed out after %v for marker %v.", budget, markerID)
	return extractPartial(raw, startMarker), -1, nil
}

// captureRaw scrapes the pane with joined wrapped lines, scrollback
// bounded.
func (s *tmuxSession) captureRaw(ctx context.Context) string {
	out, err := s.run(ctx, "capture-pane", "-p", "-J",
		"-t", s.sessionName,
		"-S", strconv.Itoa(-defaults.ScrollbackLines))
	if err != nil {
		return ""
	}
	return out
}

// markerDone reports whether the pane holds a finished end-marker line,
// one whose suffix carries the exit code. The pane also echoes the typed
// wrapper, which contains the marker text followed by the unexpanded
// ${_nanobot_ec}, so a plain substring check would fire before the
// command finishes.
func markerDone(raw, endMarker string) bool {
	for _, line := range strings.Split(raw, "\n") {
		idx := strings.Index(line, endMarker)
		if idx < 0 {
			continue
		}
		suffix := strings.TrimSpace(strings.TrimLeft(line[idx+len(endMarker):], "_"))
		if _, err := strconv.Atoi(suffix); err == nil {
			return true
		}
	}
	return false
}

// parseMarkers extracts the output lines between the markers and the
// exit code embedded after the end marker.
func parseMarkers(raw, startMarker, endMarker string) (string, int) {
	collecting := false
	var output []string
	exitCode := -1

	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(line, startMarker) {
			collecting = true
			continue
		}
		if idx := strings.Index(line, endMarker); idx >= 0 {
			// The line looks like __NANOBOT_END_abc123def456___0.
			suffix := strings.TrimSpace(strings.TrimLeft(line[idx+len(endMarker):], "_"))
			if n, err := strconv.Atoi(suffix); err == nil {
				exitCode = n
			}
			break
		}
		if collecting {
			output = append(output, line)
		}
	}

	for len(output) > 0 && strings.TrimSpace(output[0]) == "" {
		output = output[1:]
	}
	for len(output) > 0 && strings.TrimSpace(output[len(output)-1]) == "" {
		output = output[:len(output)-1]
	}
	return strings.Join(output, "\n"), exitCode
}

// extractPartial recovers best-effort output when the end marker never
// appeared: the head of the output after the start marker, or the tail
// of the raw pane when even the start marker is missing.
func extractPartial(raw, startMarker string) string {
	idx := strings.Index(raw, startMarker)
	if idx < 0 {
		runes := []rune(raw)
		if len(runes) > defaults.PartialTailChars {
			return string(runes[len(runes)-defaults.PartialTailChars:])
		}
		return raw
	}
	after := raw[idx+len(startMarker):]
	lines := strings.Split(strings.TrimSpace(after), "\n")
	if len(lines) > defaults.PartialHeadLines {
		lines = lines[:defaults.PartialHeadLines]
	}
	return strings.Join(lines, "\n")
}

// destroy shuts the session down, politely first. The shell gets an
// exit keystroke; whatever survives is killed.
func (s *tmuxSession) destroy() {
	if !s.running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	s.run(ctx, "send-keys", "-t", s.sessionName, "exit", "Enter")
	cancel()
	s.clock.Sleep(500 * time.Millisecond)

	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if s.hasSession(ctx) {
		s.run(ctx, "kill-session", "-t", s.sessionName)
		s.log.Infof("Killed tmux session: %v.", s.sessionName)
	} else {
		s.log.Infof("Tmux session %v exited gracefully.", s.sessionName)
	}
	s.running = false
}
