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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testStartMarker = "__NANOBOT_START_abc123def456__"
	testEndMarker   = "__NANOBOT_END_abc123def456__"
)

func TestParseMarkers(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		output   string
		exitCode int
	}{
		{
			name: "clean run",
			raw: strings.Join([]string{
				"$ some prompt noise",
				testStartMarker,
				"file1",
				"file2",
				"",
				testEndMarker + "_0",
				"$ ",
			}, "\n"),
			output:   "file1\nfile2",
			exitCode: 0,
		},
		{
			name: "nonzero exit",
			raw: strings.Join([]string{
				testStartMarker,
				"boom",
				"",
				testEndMarker + "_127",
			}, "\n"),
			output:   "boom",
			exitCode: 127,
		},
		{
			name: "echoed command line skipped",
			// The pane echoes the typed wrapper, which contains both
			// markers on one line; only the marker output lines count.
			raw: strings.Join([]string{
				fmt.Sprintf("$ echo %v; true; _nanobot_ec=$?; echo; echo %v_${_nanobot_ec}",
					testStartMarker, testEndMarker),
				testStartMarker,
				"",
				testEndMarker + "_0",
			}, "\n"),
			output:   "",
			exitCode: 0,
		},
		{
			name: "surrounding blank lines trimmed",
			raw: strings.Join([]string{
				testStartMarker,
				"",
				"  ",
				"hello",
				"",
				testEndMarker + "_0",
			}, "\n"),
			output:   "hello",
			exitCode: 0,
		},
		{
			name: "unparsable exit code",
			raw: strings.Join([]string{
				testStartMarker,
				"output",
				testEndMarker + "_oops",
			}, "\n"),
			output:   "output",
			exitCode: -1,
		},
		{
			name:     "no end marker",
			raw:      testStartMarker + "\npartial output",
			output:   "partial output",
			exitCode: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, exitCode := parseMarkers(tt.raw, testStartMarker, testEndMarker)
			require.Equal(t, tt.output, output)
			require.Equal(t, tt.exitCode, exitCode)
		})
	}
}

func TestMarkerDone(t *testing.T) {
	echoed := fmt.Sprintf("$ echo %v; sleep 5; _nanobot_ec=$?; echo; echo %v_${_nanobot_ec}",
		testStartMarker, testEndMarker)

	tests := []struct {
		name string
		raw  string
		done bool
	}{
		{name: "empty pane", raw: "", done: false},
		{name: "echoed wrapper only", raw: echoed + "\n" + testStartMarker, done: false},
		{name: "finished", raw: echoed + "\n" + testStartMarker + "\nout\n\n" + testEndMarker + "_0", done: true},
		{name: "nonzero exit", raw: testEndMarker + "_127", done: true},
		{name: "garbage suffix", raw: testEndMarker + "_oops", done: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.done, markerDone(tt.raw, testEndMarker))
		})
	}
}

func TestExtractPartial(t *testing.T) {
	t.Run("no marker short tail", func(t *testing.T) {
		require.Equal(t, "raw pane", extractPartial("raw pane", testStartMarker))
	})
	t.Run("no marker long tail truncated", func(t *testing.T) {
		raw := strings.Repeat("x", 5000)
		got := extractPartial(raw, testStartMarker)
		require.Len(t, got, 2000)
	})
	t.Run("after marker", func(t *testing.T) {
		raw := "noise\n" + testStartMarker + "\nline one\nline two"
		require.Equal(t, "line one\nline two", extractPartial(raw, testStartMarker))
	})
	t.Run("after marker head truncated", func(t *testing.T) {
		var sb strings.Builder
		sb.WriteString(testStartMarker + "\n")
		for i := 0; i < 300; i++ {
			fmt.Fprintf(&sb, "line %v\n", i)
		}
		got := extractPartial(sb.String(), testStartMarker)
		lines := strings.Split(got, "\n")
		require.Len(t, lines, 200)
		require.Equal(t, "line 0", lines[0])
		require.Equal(t, "line 199", lines[199])
	})
}

// TestTmuxSessionLive drives a real tmux server on a private socket.
func TestTmuxSessionLive(t *testing.T) {
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}

	dir := t.TempDir()
	sess := newTmuxSession(
		filepath.Join(dir, "tmux.sock"),
		clockwork.NewRealClock(),
		logrus.WithField(trace.Component, "test"),
	)
	ctx := context.Background()
	require.NoError(t, sess.create(ctx))
	defer sess.destroy()

	// The server PID lands next to the socket.
	pid, err := os.ReadFile(filepath.Join(dir, "tmux.pid"))
	require.NoError(t, err)
	require.NotEmpty(t, strings.TrimSpace(string(pid)))

	output, exitCode, err := sess.sendAndCapture(ctx, "echo hello from pane", 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
	require.Equal(t, "hello from pane", output)

	// A command slower than the first poll still reports its real
	// output and exit code; the echoed wrapper line must not satisfy
	// the end-marker check.
	output, exitCode, err = sess.sendAndCapture(ctx, "sleep 1; echo slow done", 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
	require.Equal(t, "slow done", output)

	// Special characters survive the literal send-keys trip.
	output, exitCode, err = sess.sendAndCapture(ctx, `echo "a | b > c"`, 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
	require.Equal(t, "a | b > c", output)

	// State persists between commands in the same pane.
	_, exitCode, err = sess.sendAndCapture(ctx, "cd /tmp && MARKER_VAR=held", 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)

	output, exitCode, err = sess.sendAndCapture(ctx, "echo $MARKER_VAR $(pwd)", 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
	require.Equal(t, "held /tmp", output)

	// Exit codes come back through the end marker.
	_, exitCode, err = sess.sendAndCapture(ctx, `sh -c "exit 42"`, 15*time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, exitCode)
}
