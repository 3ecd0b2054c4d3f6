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

package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/chtangwin/nanobot/lib/wire"
)

// Result is a normalized operation outcome. Remote failures, transport
// failures, and local validation failures all land in Error with
// Success false; callers branch on the outcome instead of unwinding
// error chains.
type Result struct {
	// Success reports whether the operation completed on the host.
	Success bool
	// Error is the failure text when Success is false.
	Error string

	// Output is captured command output (exec).
	Output string
	// ExitCode is the command exit status (exec); -1 means the command
	// outran its budget and Output holds partial capture.
	ExitCode *int

	// Content is UTF-8 file content (ReadFile).
	Content string
	// ContentBytes is raw file content (ReadBytes).
	ContentBytes []byte
	// Size is the raw content length in bytes (ReadBytes).
	Size int
	// Bytes is the number of bytes written (WriteFile).
	Bytes int
	// Path echoes the affected path on file operations.
	Path string
	// Entries holds directory rows (ListDir), sorted by name.
	Entries []wire.DirEntry

	contentB64 string
}

func errorResult(format string, args ...any) *Result {
	return &Result{Error: fmt.Sprintf(format, args...)}
}

func resultFrom(resp *wire.Response) *Result {
	res := &Result{
		Success:    resp.Ok(),
		ExitCode:   resp.ExitCode,
		Path:       resp.Path,
		Entries:    resp.Entries,
		contentB64: resp.ContentB64,
	}
	if resp.Error != nil {
		res.Error = *resp.Error
	}
	if resp.Output != nil {
		res.Output = *resp.Output
	}
	if resp.Content != nil {
		res.Content = *resp.Content
	}
	if resp.Size != nil {
		res.Size = *resp.Size
	}
	if resp.Bytes != nil {
		res.Bytes = *resp.Bytes
	}
	return res
}

// Exec runs a shell command in the host's persistent pane. A positive
// timeout overrides the agent's default budget; on expiry the result
// carries partial output and exit code -1.
func (h *Host) Exec(ctx context.Context, command string, timeout time.Duration) *Result {
	req := wire.Request{Type: wire.TypeExec, Command: command}
	wait := h.cfg.rpcTimeout
	grace := time.Duration(0)
	if timeout > 0 {
		req.Timeout = timeout.Seconds()
		wait = timeout
		grace = recvGrace
	}
	return h.rpc(ctx, req, wait, grace)
}

// ReadFile returns the UTF-8 content of a file on the host.
func (h *Host) ReadFile(ctx context.Context, path string) *Result {
	return h.rpc(ctx, wire.Request{Type: wire.TypeReadFile, Path: path}, h.cfg.rpcTimeout, 0)
}

// ReadBytes returns the raw content of a file on the host.
func (h *Host) ReadBytes(ctx context.Context, path string) *Result {
	res := h.rpc(ctx, wire.Request{Type: wire.TypeReadBytes, Path: path}, h.cfg.rpcTimeout, 0)
	if !res.Success {
		if res.Error == "" {
			res.Error = "Failed to read bytes"
		}
		return res
	}
	if res.contentB64 != "" {
		data, err := base64.StdEncoding.Strict().DecodeString(res.contentB64)
		if err != nil {
			return errorResult("Invalid base64 payload from remote read_bytes: %v", err)
		}
		res.ContentBytes = data
	}
	return res
}

// WriteFile writes content to a file on the host, creating parent
// directories. Empty content truncates.
func (h *Host) WriteFile(ctx context.Context, path, content string) *Result {
	return h.rpc(ctx, wire.Request{
		Type:    wire.TypeWriteFile,
		Path:    path,
		Content: wire.String(content),
	}, h.cfg.rpcTimeout, 0)
}

// EditFile replaces exactly one occurrence of oldText in a file on the
// host. Ambiguous or missing anchors fail without touching the file.
func (h *Host) EditFile(ctx context.Context, path, oldText, newText string) *Result {
	return h.rpc(ctx, wire.Request{
		Type:    wire.TypeEditFile,
		Path:    path,
		OldText: wire.String(oldText),
		NewText: wire.String(newText),
	}, h.cfg.rpcTimeout, 0)
}

// ListDir lists a directory on the host.
func (h *Host) ListDir(ctx context.Context, path string) *Result {
	return h.rpc(ctx, wire.Request{Type: wire.TypeListDir, Path: path}, h.cfg.rpcTimeout, 0)
}

// Ping probes agent liveness over the established transport.
func (h *Host) Ping(ctx context.Context) bool {
	res := h.rpc(ctx, wire.Request{Type: wire.TypePing}, h.cfg.pingTimeout, 0)
	return res.Success
}
