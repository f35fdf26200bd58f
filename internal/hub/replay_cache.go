// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type replayEntry struct {
	payload []byte
	stored  time.Time
}

// ReplayCache remembers the reply sent for each request id so a request
// delivered twice by the broker is answered without running it again
type ReplayCache struct {
	deviceCaches map[string]*lru.Cache[uint32, replayEntry]
	mutex        sync.Mutex
	maxSize      int
	expiration   time.Duration
}

// NewReplayCache creates a cache of maxSize replies per device
func NewReplayCache(maxSize int, expiration time.Duration) *ReplayCache {
	if maxSize <= 0 {
		maxSize = 50
	}
	if expiration <= 0 {
		expiration = time.Hour
	}
	return &ReplayCache{
		deviceCaches: make(map[string]*lru.Cache[uint32, replayEntry]),
		maxSize:      maxSize,
		expiration:   expiration,
	}
}

func (rc *ReplayCache) deviceCache(deviceID string) *lru.Cache[uint32, replayEntry] {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	cache, exists := rc.deviceCaches[deviceID]
	if !exists {
		cache, _ = lru.New[uint32, replayEntry](rc.maxSize)
		rc.deviceCaches[deviceID] = cache
	}
	return cache
}

// Lookup returns the reply already sent for rid
func (rc *ReplayCache) Lookup(deviceID string, rid uint32) ([]byte, bool) {
	cache := rc.deviceCache(deviceID)
	entry, found := cache.Get(rid)
	if !found {
		return nil, false
	}
	if time.Since(entry.stored) > rc.expiration {
		cache.Remove(rid)
		return nil, false
	}
	return entry.payload, true
}

// Store records the reply sent for rid
func (rc *ReplayCache) Store(deviceID string, rid uint32, payload []byte) {
	rc.deviceCache(deviceID).Add(rid, replayEntry{payload: payload, stored: time.Now()})
}

// Len returns the number of remembered replies for deviceID
func (rc *ReplayCache) Len(deviceID string) int {
	rc.mutex.Lock()
	cache, exists := rc.deviceCaches[deviceID]
	rc.mutex.Unlock()
	if !exists {
		return 0
	}
	return cache.Len()
}
