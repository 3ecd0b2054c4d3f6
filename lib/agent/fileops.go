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
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/chtangwin/nanobot/lib/defaults"
	"github.com/chtangwin/nanobot/lib/wire"
)

// Filesystem operations never fail the dispatch loop: every outcome is
// a result frame with success or an error string, so replays served
// from the idempotency cache look identical to first runs.

func opFailure(format string, args ...any) *wire.Response {
	return &wire.Response{
		Success: wire.Bool(false),
		Error:   wire.String(fmt.Sprintf(format, args...)),
	}
}

func readFile(path string) *wire.Response {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opFailure("File not found: %v", path)
		}
		return opFailure("%v", err)
	}
	if !fi.Mode().IsRegular() {
		return opFailure("Not a file: %v", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return opFailure("%v", err)
	}
	content := string(raw)
	if !utf8.ValidString(content) {
		content = strings.ToValidUTF8(content, string(utf8.RuneError))
	}
	return &wire.Response{
		Success: wire.Bool(true),
		Content: wire.String(content),
	}
}

func readBytes(path string) *wire.Response {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opFailure("File not found: %v", path)
		}
		return opFailure("%v", err)
	}
	if !fi.Mode().IsRegular() {
		return opFailure("Not a file: %v", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return opFailure("%v", err)
	}
	return &wire.Response{
		Success:    wire.Bool(true),
		ContentB64: base64.StdEncoding.EncodeToString(raw),
		Size:       wire.Int(len(raw)),
		Path:       path,
	}
}

func writeFile(path, content string) *wire.Response {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, defaults.SharedDirMode); err != nil {
			return opFailure("%v", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), defaults.SharedFileMode); err != nil {
		return opFailure("%v", err)
	}
	return &wire.Response{
		Success: wire.Bool(true),
		Bytes:   wire.Int(len(content)),
		Path:    path,
	}
}

func editFile(path, oldText, newText string) *wire.Response {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opFailure("File not found: %v", path)
		}
		return opFailure("%v", err)
	}
	if !fi.Mode().IsRegular() {
		return opFailure("Not a file: %v", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return opFailure("%v", err)
	}
	content := string(raw)

	if !strings.Contains(content, oldText) {
		return editAnchorError(path, content, oldText)
	}

	count := strings.Count(content, oldText)
	if count > 1 {
		return opFailure("old_text appears %v times. Please provide more context.", count)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), defaults.SharedFileMode); err != nil {
		return opFailure("%v", err)
	}
	return &wire.Response{
		Success: wire.Bool(true),
		Path:    path,
	}
}

// editAnchorError scans the file for the window most similar to the
// anchor the caller sent. A close-enough candidate comes back as a
// unified diff pointing at its line, so the caller can correct the
// anchor instead of guessing; anything below the similarity floor is a
// plain not-found.
func editAnchorError(path, content, oldText string) *wire.Response {
	lines := splitKeepEnds(content)
	oldLines := splitKeepEnds(oldText)
	window := len(oldLines)

	bestRatio, bestStart := 0.0, 0
	end := len(lines) - window + 1
	if end < 1 {
		end = 1
	}
	for i := 0; i < end; i++ {
		hi := i + window
		if hi > len(lines) {
			hi = len(lines)
		}
		ratio := difflib.NewMatcher(oldLines, lines[i:hi]).Ratio()
		if ratio > bestRatio {
			bestRatio, bestStart = ratio, i
		}
	}

	if bestRatio > 0.5 {
		hi := bestStart + window
		if hi > len(lines) {
			hi = len(lines)
		}
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        oldLines,
			B:        lines[bestStart:hi],
			FromFile: "old_text (provided)",
			ToFile:   fmt.Sprintf("%v (actual, line %v)", path, bestStart+1),
			Context:  3,
		})
		if err != nil {
			return opFailure("old_text not found in %v", path)
		}
		return opFailure("old_text not found in %v. Best match (%.0f%%) at line %v:\n%v",
			path, bestRatio*100, bestStart+1, strings.TrimRight(diff, "\n"))
	}
	return opFailure("old_text not found in %v. No similar text found.", path)
}

func listDir(path string) *wire.Response {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opFailure("Directory not found: %v", path)
		}
		return opFailure("%v", err)
	}
	if !fi.IsDir() {
		return opFailure("Not a directory: %v", path)
	}
	items, err := os.ReadDir(path)
	if err != nil {
		return opFailure("%v", err)
	}
	entries := make([]wire.DirEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, wire.DirEntry{
			Name:  item.Name(),
			IsDir: item.IsDir(),
		})
	}
	return &wire.Response{
		Success: wire.Bool(true),
		Entries: entries,
	}
}

// splitKeepEnds splits into lines keeping the newline on each, without
// a trailing empty element, so line windows line up with the similarity
// matcher's expectations.
func splitKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
