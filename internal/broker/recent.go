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

package broker

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"sprinklers/internal/device"
)

// IssuedRequest remembers a request after its call has settled, so a late
// reply can be told apart from one this bridge never sent
type IssuedRequest struct {
	RID      uint32             `json:"rid"`
	Type     device.RequestType `json:"type"`
	IssuedAt time.Time          `json:"issued_at"`
}

// RecentRequests keeps the last few request ids issued per device
type RecentRequests struct {
	deviceCaches map[string]*lru.Cache[uint32, IssuedRequest]
	mutex        sync.Mutex
	maxSize      int
}

// NewRecentRequests creates a cache holding maxSize ids per device
func NewRecentRequests(maxSize int) *RecentRequests {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &RecentRequests{
		deviceCaches: make(map[string]*lru.Cache[uint32, IssuedRequest]),
		maxSize:      maxSize,
	}
}

func (r *RecentRequests) deviceCache(deviceID string) *lru.Cache[uint32, IssuedRequest] {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cache, exists := r.deviceCaches[deviceID]
	if !exists {
		cache, _ = lru.New[uint32, IssuedRequest](r.maxSize)
		r.deviceCaches[deviceID] = cache
	}
	return cache
}

// Record notes that rid was sent to deviceID
func (r *RecentRequests) Record(deviceID string, rid uint32, typ device.RequestType) {
	r.deviceCache(deviceID).Add(rid, IssuedRequest{RID: rid, Type: typ, IssuedAt: time.Now()})
}

// Lookup returns the record for rid if it is still remembered
func (r *RecentRequests) Lookup(deviceID string, rid uint32) (IssuedRequest, bool) {
	r.mutex.Lock()
	cache, exists := r.deviceCaches[deviceID]
	r.mutex.Unlock()

	if !exists {
		return IssuedRequest{}, false
	}
	return cache.Get(rid)
}

// ClearDevice forgets every id sent to deviceID
func (r *RecentRequests) ClearDevice(deviceID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.deviceCaches, deviceID)
}

// Len returns the number of remembered ids across all devices
func (r *RecentRequests) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	total := 0
	for _, cache := range r.deviceCaches {
		total += cache.Len()
	}
	return total
}
