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
	"context"
	"errors"
	"fmt"
	"math/rand"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())

	tests := []struct {
		name string
		cfg  RetryConfig
	}{
		{"negative retries", RetryConfig{MaxRetries: -1, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}},
		{"negative base", RetryConfig{MaxRetries: 1, BaseDelay: -time.Second, MaxDelay: time.Second, Multiplier: 2}},
		{"max below base", RetryConfig{MaxRetries: 1, BaseDelay: 2 * time.Second, MaxDelay: time.Second, Multiplier: 2}},
		{"multiplier below one", RetryConfig{MaxRetries: 1, BaseDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestRetryConfig_DelayBounds(t *testing.T) {
	cfg := DefaultRetryConfig()
	rng := rand.New(rand.NewSource(1))

	for attempt := 0; attempt < 8; attempt++ {
		exp := float64(cfg.BaseDelay) * pow(cfg.Multiplier, attempt)
		if exp > float64(cfg.MaxDelay) {
			exp = float64(cfg.MaxDelay)
		}
		upper := time.Duration(exp * 1.25)

		for i := 0; i < 200; i++ {
			d := cfg.Delay(attempt, rng)
			assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, d, upper, "attempt %d", attempt)
		}
	}
}

func TestRetryConfig_DelayCapped(t *testing.T) {
	cfg := DefaultRetryConfig()
	rng := rand.New(rand.NewSource(7))

	// Far past the cap the jittered delay still stays within 1.25x MaxDelay.
	d := cfg.Delay(20, rng)
	assert.LessOrEqual(t, d, time.Duration(float64(cfg.MaxDelay)*1.25))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"enoent message", errors.New("fork/exec /bin/missing: no such file or directory"), true},
		{"executable not found", errors.New(`exec: "missing": executable file not found in $PATH`), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("request timeout"), true},
		{"socket hang up", errors.New("socket hang up"), true},
		{"dns", errors.New("lookup example.invalid: no such host"), true},
		{"spawn", errors.New("spawn failed"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"econnrefused", syscall.ECONNREFUSED, true},
		{"wrapped enoent", fmt.Errorf("starting: %w", syscall.ENOENT), true},
		{"plain failure", errors.New("invalid arguments"), false},
		{"tool not found", ErrToolNotFound("srv", "missing", []string{"a"}), false},
		{"unknown server", ErrUnknownServer("nope", nil), false},
		{"spawn failed code", ErrSpawnFailed("srv", "cmd", errors.New("boom")), true},
		{"connect timeout code", ErrConnectTimeout("srv", context.DeadlineExceeded), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(errors.New("failed to connect to server")))
	assert.True(t, IsConnectionError(errors.New("spawn error")))
	assert.True(t, IsConnectionError(errors.New("ENOENT")))
	assert.True(t, IsConnectionError(ErrSpawnFailed("srv", "cmd", errors.New("x"))))
	assert.False(t, IsConnectionError(errors.New("request timeout")))
	assert.False(t, IsConnectionError(nil))
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), fastRetryConfig(), testRNG(), func(ctx context.Context) error {
		calls++
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	calls := 0
	drops := 0
	err := Execute(context.Background(), fastRetryConfig(), testRNG(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("spawn: %w", syscall.ENOENT)
		}
		return nil
	}, func() { drops++ })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, drops, "connection errors should drop the cached connection before each retry")
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	wantErr := ErrToolNotFound("srv", "missing", []string{"a"})
	err := Execute(context.Background(), fastRetryConfig(), testRNG(), func(ctx context.Context) error {
		calls++
		return wantErr
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ErrorCodeToolNotFound, CodeOf(err))
}

func TestExecute_Exhaustion(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), fastRetryConfig(), testRNG(), func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus MaxRetries retries")
	assert.Contains(t, err.Error(), "failed after 4 attempts")
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Execute(ctx, fastRetryConfig(), testRNG(), func(ctx context.Context) error {
		t.Fatal("fn should not run on cancelled context")
		return nil
	}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecute_CancelDuringBackoff(t *testing.T) {
	cfg := &RetryConfig{MaxRetries: 3, BaseDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Execute(ctx, cfg, testRNG(), func(ctx context.Context) error {
			return errors.New("connection refused")
		}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not abort on cancellation")
	}
}

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewSource(42))
}
