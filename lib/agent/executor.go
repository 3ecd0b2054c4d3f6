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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot/lib/wire"
)

// CommandExecutor runs shell commands for the dispatch loop, through a
// persistent tmux pane when available. One pane is shared by every
// connection to this agent, so executions are serialized; the pane
// preserves working directory and environment between commands for the
// lifetime of the process.
type CommandExecutor struct {
	useTmux    bool
	socketPath string
	clock      clockwork.Clock
	log        *logrus.Entry

	mu   sync.Mutex
	tmux *tmuxSession
}

func newCommandExecutor(useTmux bool, socketPath string, clock clockwork.Clock, log *logrus.Entry) *CommandExecutor {
	e := &CommandExecutor{
		useTmux:    useTmux,
		socketPath: socketPath,
		clock:      clock,
		log:        log,
	}
	if useTmux {
		e.tmux = newTmuxSession(socketPath, clock, log)
	}
	return e
}

// Exec runs one command within the wall-clock budget and shapes the
// outcome as a result payload.
func (e *CommandExecutor) Exec(ctx context.Context, command string, budget time.Duration) *wire.Response {
	if e.useTmux {
		return e.execTmux(ctx, command, budget)
	}
	return e.execSimple(ctx, command, budget)
}

func (e *CommandExecutor) execTmux(ctx context.Context, command string, budget time.Duration) *wire.Response {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.tmux.create(ctx); err != nil {
		return &wire.Response{
			Success:  wire.Bool(false),
			ExitCode: wire.Int(-1),
			Error:    wire.String(err.Error()),
		}
	}
	output, exitCode, err := e.tmux.sendAndCapture(ctx, command, budget)
	if err != nil {
		return &wire.Response{
			Success:  wire.Bool(false),
			ExitCode: wire.Int(-1),
			Error:    wire.String(err.Error()),
		}
	}
	resp := &wire.Response{
		Success:  wire.Bool(exitCode == 0),
		Output:   wire.String(output),
		ExitCode: wire.Int(exitCode),
	}
	if exitCode != 0 {
		resp.Error = wire.String(fmt.Sprintf("exit code %v", exitCode))
	}
	return resp
}

// execSimple spawns a subshell per command. No pane, so working
// directory and environment reset between commands; meant for hosts
// without tmux.
func (e *CommandExecutor) execSimple(ctx context.Context, command string, budget time.Duration) *wire.Response {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Orphaned grandchildren keep the output pipes open; stop waiting
	// for them shortly after the shell itself is killed.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return &wire.Response{
			Success:  wire.Bool(false),
			Output:   wire.String(stdout.String()),
			ExitCode: wire.Int(-1),
			Error:    wire.String(fmt.Sprintf("Command timed out after %v seconds", int(budget.Seconds()))),
		}
	}
	if err != nil && cmd.ProcessState == nil {
		return &wire.Response{
			Success:  wire.Bool(false),
			ExitCode: wire.Int(-1),
			Error:    wire.String(err.Error()),
		}
	}

	exitCode := cmd.ProcessState.ExitCode()
	resp := &wire.Response{
		Success:  wire.Bool(exitCode == 0),
		Output:   wire.String(stdout.String()),
		ExitCode: wire.Int(exitCode),
	}
	if errText := stderr.String(); errText != "" {
		resp.Error = wire.String(errText)
	}
	return resp
}

// Cleanup tears the tmux session down; called when the agent exits.
func (e *CommandExecutor) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tmux != nil {
		e.tmux.destroy()
	}
}
