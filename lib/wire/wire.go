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

// Package wire defines the JSON frames exchanged between the client
// connection and the remote execution agent, one object per WebSocket
// frame.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gravitational/trace"
)

// Request type tags accepted by the agent after the handshake.
const (
	// TypeExec runs a shell command through the executor.
	TypeExec = "exec"
	// TypeExecute is a legacy alias for TypeExec.
	TypeExecute = "execute"
	// TypeReadFile returns UTF-8 file content.
	TypeReadFile = "read_file"
	// TypeReadBytes returns base64-encoded raw file content.
	TypeReadBytes = "read_bytes"
	// TypeWriteFile creates parent directories and writes UTF-8 content.
	TypeWriteFile = "write_file"
	// TypeEditFile replaces a single occurrence of old_text.
	TypeEditFile = "edit_file"
	// TypeListDir lists directory entries sorted by name.
	TypeListDir = "list_dir"
	// TypePing is a liveness probe.
	TypePing = "ping"
	// TypeClose closes this connection, the agent keeps serving.
	TypeClose = "close"
	// TypeShutdown stops the whole agent process after acknowledging.
	TypeShutdown = "shutdown"
)

// Response type tags.
const (
	// TypeResult carries the outcome of a dispatched operation.
	TypeResult = "result"
	// TypeError carries a protocol-level failure.
	TypeError = "error"
	// TypePong answers a ping.
	TypePong = "pong"
	// TypeAuthenticated confirms the handshake.
	TypeAuthenticated = "authenticated"
	// TypeShutdownAck confirms a shutdown before the agent exits.
	TypeShutdownAck = "shutdown_ack"
)

// Protocol strings shared by both ends.
const (
	// AuthFailedMessage is returned when the handshake token does not
	// match; the agent closes the connection right after.
	AuthFailedMessage = "Authentication failed"

	// ReusedRequestIDMessage is returned when a request_id is replayed
	// with a payload that hashes differently. The request is not
	// executed.
	ReusedRequestIDMessage = "request_id reuse with different payload"
)

// Request is one client-to-agent frame. Fields beyond Type and
// RequestID are populated per type; optional text fields use pointers
// so that an explicit empty string survives the trip.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// Command and Timeout apply to exec. Timeout is in seconds and
	// overrides the executor's wall-clock budget when positive.
	Command string  `json:"command,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`

	// Path applies to all file operations.
	Path string `json:"path,omitempty"`

	// Content applies to write_file.
	Content *string `json:"content,omitempty"`

	// OldText and NewText apply to edit_file.
	OldText *string `json:"old_text,omitempty"`
	NewText *string `json:"new_text,omitempty"`
}

// AuthRequest is the first frame on every connection. An empty token is
// sent as an empty string, not omitted.
type AuthRequest struct {
	Token string `json:"token"`
}

// DirEntry is one list_dir result row.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// Response is one agent-to-client frame. Type selects which fields are
// meaningful; operation outcomes set Success and either the payload
// fields or Error.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	// Message carries protocol-level detail: error text, handshake and
	// shutdown notices.
	Message string `json:"message,omitempty"`

	// Success reports the operation outcome on result frames.
	Success *bool `json:"success,omitempty"`
	// Error holds the operation failure text when Success is false.
	Error *string `json:"error,omitempty"`

	// Command echoes the executed command on exec results.
	Command string `json:"command,omitempty"`
	// Output is the captured command output.
	Output *string `json:"output,omitempty"`
	// ExitCode is the command exit status, -1 on capture timeout.
	ExitCode *int `json:"exit_code,omitempty"`

	// Content is UTF-8 file content (read_file).
	Content *string `json:"content,omitempty"`
	// ContentB64 is base64 raw content (read_bytes).
	ContentB64 string `json:"content_b64,omitempty"`
	// Size is the raw content length in bytes (read_bytes).
	Size *int `json:"size,omitempty"`
	// Bytes is the number of bytes written (write_file).
	Bytes *int `json:"bytes,omitempty"`
	// Path echoes the affected path on file results.
	Path string `json:"path,omitempty"`

	// Entries holds list_dir rows.
	Entries []DirEntry `json:"entries,omitempty"`
}

// Ok reports whether the response carries a successful operation
// outcome.
func (r *Response) Ok() bool {
	return r.Success != nil && *r.Success
}

// ErrorText returns the best human-readable failure text on the frame.
func (r *Response) ErrorText() string {
	if r.Error != nil && *r.Error != "" {
		return *r.Error
	}
	return r.Message
}

// PayloadHash computes a stable digest of a raw request document:
// canonical JSON (keys sorted, no insignificant whitespace) hashed with
// SHA-256. Two requests with the same request_id must hash equal to be
// treated as retries of one another.
func PayloadHash(raw []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", trace.BadParameter("malformed request document: %v", err)
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Bool returns a pointer to b for optional response fields.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i for optional response fields.
func Int(i int) *int { return &i }

// String returns a pointer to s for optional request and response
// fields.
func String(s string) *string { return &s }
