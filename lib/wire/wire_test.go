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

package wire

import (
	"encoding/json"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestPayloadHashStable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		a, b  string
		equal bool
	}{
		{
			name:  "key order is insignificant",
			a:     `{"type":"exec","command":"echo hi","request_id":"rid-1"}`,
			b:     `{"request_id":"rid-1","command":"echo hi","type":"exec"}`,
			equal: true,
		},
		{
			name:  "whitespace is insignificant",
			a:     `{"type":"exec","command":"echo hi"}`,
			b:     "{\n  \"type\": \"exec\",\n  \"command\": \"echo hi\"\n}",
			equal: true,
		},
		{
			name:  "payload difference changes the hash",
			a:     `{"type":"exec","command":"echo A","request_id":"rid-2"}`,
			b:     `{"type":"exec","command":"echo B","request_id":"rid-2"}`,
			equal: false,
		},
		{
			name:  "nested values participate",
			a:     `{"type":"exec","command":"true","timeout":30}`,
			b:     `{"type":"exec","command":"true","timeout":60}`,
			equal: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, err := PayloadHash([]byte(tt.a))
			require.NoError(t, err)
			hb, err := PayloadHash([]byte(tt.b))
			require.NoError(t, err)
			if tt.equal {
				require.Equal(t, ha, hb)
			} else {
				require.NotEqual(t, ha, hb)
			}
		})
	}
}

func TestPayloadHashMalformed(t *testing.T) {
	t.Parallel()

	_, err := PayloadHash([]byte(`{"type":`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	// An explicit empty content must survive marshaling; write_file of
	// an empty file depends on it.
	req := Request{
		Type:      TypeWriteFile,
		RequestID: "req-abc",
		Path:      "/tmp/x",
		Content:   String(""),
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"content":""`)

	var back Request
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NotNil(t, back.Content)
	require.Empty(t, *back.Content)
}

func TestResponseHelpers(t *testing.T) {
	t.Parallel()

	ok := Response{Type: TypeResult, Success: Bool(true)}
	require.True(t, ok.Ok())

	failed := Response{
		Type:    TypeResult,
		Success: Bool(false),
		Error:   String("File not found: /nope"),
	}
	require.False(t, failed.Ok())
	require.Equal(t, "File not found: /nope", failed.ErrorText())

	protoErr := Response{Type: TypeError, Message: AuthFailedMessage}
	require.False(t, protoErr.Ok())
	require.Equal(t, AuthFailedMessage, protoErr.ErrorText())
}
