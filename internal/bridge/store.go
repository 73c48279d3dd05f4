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
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Result store defaults.
const (
	// DefaultResultTTL bounds how long a stored result stays retrievable.
	DefaultResultTTL = 10 * time.Minute
	// DefaultSweepInterval is the cadence of the background expiry sweep.
	DefaultSweepInterval = 60 * time.Second
)

// storedResult is one entry in the store.
type storedResult struct {
	fullPayload any
	summary     map[string]any
	createdAt   time.Time
}

// StoredResultInfo describes an extant entry for list_results.
type StoredResultInfo struct {
	ResultID         string         `json:"result_id"`
	Summary          map[string]any `json:"summary"`
	AgeSeconds       int64          `json:"age_seconds"`
	ExpiresInSeconds int64          `json:"expires_in_seconds"`
}

// RetrievedResult is the get_result payload.
type RetrievedResult struct {
	ResultID   string `json:"result_id"`
	AgeSeconds int64  `json:"age_seconds"`
	Data       any    `json:"data"`
}

// ResultStore keeps full payloads of compacted results, keyed by result_id,
// until they age past the TTL. A background sweep removes expired entries;
// correctness relies on the read-path age check, not the sweep.
type ResultStore struct {
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*storedResult
	counter uint64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewResultStore creates a store with the given TTL (DefaultResultTTL when
// non-positive).
func NewResultStore(ttl time.Duration, logger *slog.Logger) *ResultStore {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultStore{
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
		entries:   make(map[string]*storedResult),
		stopSweep: make(chan struct{}),
	}
}

// TTL returns the configured result TTL.
func (s *ResultStore) TTL() time.Duration {
	return s.ttl
}

// Put inserts payload and returns its freshly allocated result_id.
// IDs have the form <server>_<tool>_<base36 ms timestamp>_<base36 counter>
// and are unique for the process lifetime (the counter is monotonic).
func (s *ResultStore) Put(payload any, summary map[string]any, server, tool string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.counter++
	id := fmt.Sprintf("%s_%s_%s_%s",
		server,
		tool,
		strconv.FormatInt(now.UnixMilli(), 36),
		strconv.FormatUint(s.counter, 36),
	)

	s.entries[id] = &storedResult{
		fullPayload: payload,
		summary:     summary,
		createdAt:   now,
	}
	return id
}

// Get returns the stored payload, failing with RESULT_MISSING for unknown
// ids and RESULT_EXPIRED (removing the entry) past the TTL.
func (s *ResultStore) Get(resultID string) (*RetrievedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[resultID]
	if !ok {
		return nil, ErrResultMissing(resultID)
	}

	age := s.now().Sub(entry.createdAt)
	if age > s.ttl {
		delete(s.entries, resultID)
		resultsExpiredTotal.Inc()
		return nil, ErrResultExpired(resultID)
	}

	return &RetrievedResult{
		ResultID:   resultID,
		AgeSeconds: int64(age.Seconds()),
		Data:       entry.fullPayload,
	}, nil
}

// List returns info for every extant entry, skipping any that expired since
// the last sweep.
func (s *ResultStore) List() []StoredResultInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	infos := make([]StoredResultInfo, 0, len(s.entries))
	for id, entry := range s.entries {
		age := now.Sub(entry.createdAt)
		if age > s.ttl {
			continue
		}
		remaining := s.ttl - age
		if remaining < 0 {
			remaining = 0
		}
		infos = append(infos, StoredResultInfo{
			ResultID:         id,
			Summary:          entry.summary,
			AgeSeconds:       int64(age.Seconds()),
			ExpiresInSeconds: int64(remaining.Seconds()),
		})
	}
	return infos
}

// Len returns the number of entries, expired or not.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every entry older than the TTL and returns the count.
func (s *ResultStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, entry := range s.entries {
		if now.Sub(entry.createdAt) > s.ttl {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		resultsExpiredTotal.Add(float64(removed))
	}
	return removed
}

// StartSweep launches the background expiry sweep at the given interval
// (DefaultSweepInterval when non-positive). Missed ticks are tolerated.
func (s *ResultStore) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := s.Sweep(); removed > 0 {
					s.logger.Debug("expired results swept", "removed", removed)
				}
			case <-s.stopSweep:
				return
			}
		}
	}()
}

// StopSweep stops the background sweep. Safe to call more than once.
func (s *ResultStore) StopSweep() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}
