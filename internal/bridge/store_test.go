// Copyright 2025 Tom Barlow
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

package bridge

import (
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultStore_PutGetRoundTrip(t *testing.T) {
	s := NewResultStore(10*time.Minute, nil)
	defer s.StopSweep()

	payload := map[string]any{"rows": []any{1.0, 2.0, 3.0}}
	id := s.Put(payload, map[string]any{"type": "object"}, "srv", "query")

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ResultID)
	assert.Equal(t, payload, got.Data)
	assert.GreaterOrEqual(t, got.AgeSeconds, int64(0))
	assert.LessOrEqual(t, got.AgeSeconds, int64(s.TTL().Seconds()))
}

func TestResultStore_IDFormat(t *testing.T) {
	s := NewResultStore(time.Minute, nil)
	defer s.StopSweep()

	id := s.Put("x", nil, "github", "search")
	assert.Regexp(t, regexp.MustCompile(`^github_search_[0-9a-z]+_[0-9a-z]+$`), id)
}

func TestResultStore_IDsUnique(t *testing.T) {
	s := NewResultStore(time.Minute, nil)
	defer s.StopSweep()

	// Pin the clock: uniqueness must come from the counter alone.
	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := s.Put("x", nil, "srv", "tool")
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}

func TestResultStore_GetMissing(t *testing.T) {
	s := NewResultStore(time.Minute, nil)
	defer s.StopSweep()

	_, err := s.Get("nope")
	require.Error(t, err)
	assert.Equal(t, ErrorCodeResultMissing, CodeOf(err))
}

func TestResultStore_ExpiredOnRead(t *testing.T) {
	s := NewResultStore(10*time.Minute, nil)
	defer s.StopSweep()

	id := s.Put("payload", nil, "srv", "tool")

	// Advance the clock one second past the TTL.
	base := time.Now()
	s.now = func() time.Time { return base.Add(10*time.Minute + time.Second) }

	_, err := s.Get(id)
	require.Error(t, err)
	assert.Equal(t, ErrorCodeResultExpired, CodeOf(err))

	// The read removed the entry; a second read reports missing.
	_, err = s.Get(id)
	assert.Equal(t, ErrorCodeResultMissing, CodeOf(err))
}

func TestResultStore_ExpiryBoundary(t *testing.T) {
	s := NewResultStore(10*time.Minute, nil)
	defer s.StopSweep()

	base := time.Now()
	s.now = func() time.Time { return base }
	id := s.Put("payload", nil, "srv", "tool")

	// At exactly the TTL the result is still retrievable (strict >).
	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	_, err := s.Get(id)
	require.NoError(t, err)
}

func TestResultStore_List(t *testing.T) {
	s := NewResultStore(10*time.Minute, nil)
	defer s.StopSweep()

	base := time.Now()
	s.now = func() time.Time { return base }

	idA := s.Put("a", map[string]any{"type": "string"}, "srv", "one")
	idB := s.Put("b", map[string]any{"type": "string"}, "srv", "two")

	s.now = func() time.Time { return base.Add(3 * time.Minute) }
	infos := s.List()
	require.Len(t, infos, 2)

	byID := map[string]StoredResultInfo{}
	for _, info := range infos {
		byID[info.ResultID] = info
	}
	require.Contains(t, byID, idA)
	require.Contains(t, byID, idB)
	assert.Equal(t, int64(180), byID[idA].AgeSeconds)
	assert.Equal(t, int64(420), byID[idA].ExpiresInSeconds)
}

func TestResultStore_ListSkipsExpired(t *testing.T) {
	s := NewResultStore(10*time.Minute, nil)
	defer s.StopSweep()

	base := time.Now()
	s.now = func() time.Time { return base }
	id := s.Put("a", nil, "srv", "tool")

	s.now = func() time.Time { return base.Add(11 * time.Minute) }
	assert.Empty(t, s.List())

	// The entry is still present until a sweep or read removes it.
	assert.Equal(t, 1, s.Len())
	_, err := s.Get(id)
	assert.Equal(t, ErrorCodeResultExpired, CodeOf(err))
	assert.Equal(t, 0, s.Len())
}

func TestResultStore_Sweep(t *testing.T) {
	s := NewResultStore(10*time.Minute, nil)
	defer s.StopSweep()

	base := time.Now()
	s.now = func() time.Time { return base }
	s.Put("a", nil, "srv", "old")
	s.Put("b", nil, "srv", "old")

	s.now = func() time.Time { return base.Add(5 * time.Minute) }
	fresh := s.Put("c", nil, "srv", "fresh")

	s.now = func() time.Time { return base.Add(10*time.Minute + time.Second) }
	removed := s.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, s.Len())

	_, err := s.Get(fresh)
	assert.NoError(t, err)
}

func TestResultStore_BackgroundSweep(t *testing.T) {
	s := NewResultStore(20*time.Millisecond, nil)

	s.Put("a", nil, "srv", "tool")
	s.StartSweep(10 * time.Millisecond)
	defer s.StopSweep()

	require.Eventually(t, func() bool {
		return s.Len() == 0
	}, 5*time.Second, 5*time.Millisecond, "sweep should remove the expired entry")
}

func TestResultStore_StopSweepIdempotent(t *testing.T) {
	s := NewResultStore(time.Minute, nil)
	s.StartSweep(time.Millisecond)
	s.StopSweep()
	s.StopSweep()
}

func TestResultStore_CompactionRoundTripPreservesPayload(t *testing.T) {
	// Compaction preserves information: what goes into the store comes
	// back deep-equal before expiry.
	c := NewCompactor(DefaultCompactConfig())
	s := NewResultStore(10*time.Minute, nil)
	defer s.StopSweep()

	payload := make([]any, 21)
	for i := range payload {
		payload[i] = map[string]any{"n": float64(i), "label": fmt.Sprintf("row-%d", i)}
	}
	require.True(t, c.IsLarge(payload))

	id := s.Put(payload, c.Summary(payload, "srv", "tool"), "srv", "tool")
	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
}
