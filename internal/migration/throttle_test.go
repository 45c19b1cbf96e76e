// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package migration

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestThrottleRateNeverExceedsLimit(t *testing.T) {
	tests := []struct {
		name   string
		limit  int64
		window time.Duration
	}{
		{name: "tiny", limit: 1, window: time.Second},
		{name: "odd", limit: 3, window: time.Second},
		{name: "default", limit: 100, window: time.Second},
		{name: "32 MiB/s", limit: 32 << 20, window: time.Second},
		{name: "short window", limit: 32 << 20, window: 20 * time.Millisecond},
		{name: "prime", limit: 1_000_000_007, window: 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
			th := newThrottle(tt.limit, tt.window, clk)

			if rate := th.bucket.Rate(); rate > float64(tt.limit) {
				t.Errorf("bucket rate = %f, want at most %d", rate, tt.limit)
			}
			if got := th.available(); got != 0 {
				t.Errorf("available() = %d at start, want an empty bucket", got)
			}
		})
	}
}

func TestThrottleSustainedThroughput(t *testing.T) {
	const limit = 32 << 20

	clk := testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	th := newThrottle(limit, time.Second, clk)

	// Steps that do not line up with the refill tick.
	const step = 37 * time.Millisecond
	var sent int64
	var elapsed time.Duration
	for elapsed < 10*time.Second {
		clk.Advance(step)
		elapsed += step

		n := th.available()
		th.charge(int(n))
		sent += n

		if allowed := float64(limit) * elapsed.Seconds(); float64(sent) > allowed {
			t.Fatalf("%d bytes sent after %v, more than the %d B/s limit allows (%.0f)", sent, elapsed, limit, allowed)
		}
	}
	// Whole refill ticks lag the limit by at most one tick's worth.
	if floor := float64(limit) * (elapsed - time.Second/10).Seconds(); float64(sent) < floor {
		t.Errorf("%d bytes sent after %v, want at least %.0f", sent, elapsed, floor)
	}
}
