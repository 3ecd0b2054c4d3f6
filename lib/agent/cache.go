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
	"sync"

	"github.com/chtangwin/nanobot/lib/wire"
)

// cacheEntry is one completed request: the payload hash it was executed
// with and the response it produced. Responses are never mutated after
// they are stored, so entries can be handed out without copying.
type cacheEntry struct {
	hash string
	resp *wire.Response
}

// requestCache deduplicates client retries. It is process-global across
// connections and guarded by a single mutex; critical sections are a
// map lookup or an insert plus FIFO eviction.
type requestCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]cacheEntry
	order   []string
}

func newRequestCache(max int) *requestCache {
	return &requestCache{
		max:     max,
		entries: make(map[string]cacheEntry),
	}
}

// lookup returns the completed entry for a request id, if any.
func (c *requestCache) lookup(requestID string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[requestID]
	return entry, ok
}

// store records a completed response under its request id, evicting the
// oldest entries beyond the cache bound. Error responses are stored the
// same as successes so that replays observe the original outcome.
func (c *requestCache) store(requestID, hash string, resp *wire.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[requestID]; !ok {
		c.order = append(c.order, requestID)
	}
	c.entries[requestID] = cacheEntry{hash: hash, resp: resp}
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// len reports how many completed entries are cached.
func (c *requestCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
