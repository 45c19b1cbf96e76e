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
	"math"
	"time"

	"github.com/juju/clock"
	"github.com/juju/ratelimit"
)

// throttle enforces the bandwidth limit with a token bucket holding at most
// one window's worth of bytes. The bucket starts empty and refills in whole
// quanta whose rate never exceeds the limit, so sending N bytes always takes
// at least N/limit seconds.
type throttle struct {
	bucket *ratelimit.Bucket
	retry  time.Duration
}

func newThrottle(limit int64, window time.Duration, clk clock.Clock) *throttle {
	tick := window / 10
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	// Round the quantum down. A limit too small for one byte per tick
	// stretches the tick instead.
	quantum := int64(math.Floor(float64(limit) * tick.Seconds()))
	if quantum < 1 {
		quantum = 1
		tick = time.Duration(math.Ceil(float64(time.Second) / float64(limit)))
	}

	capacity := int64(float64(limit) * window.Seconds())
	if capacity < quantum {
		capacity = quantum
	}
	bucket := ratelimit.NewBucketWithQuantumAndClock(tick, capacity, quantum, bucketClock{clk})
	bucket.TakeAvailable(capacity)

	return &throttle{bucket: bucket, retry: tick}
}

// available returns the bytes that may be sent now.
func (t *throttle) available() int64 {
	return t.bucket.Available()
}

// charge consumes tokens for n bytes the transport accepted.
func (t *throttle) charge(n int) {
	t.bucket.TakeAvailable(int64(n))
}

// bucketClock adapts a juju clock to the ratelimit clock.
type bucketClock struct {
	clock.Clock
}

func (c bucketClock) Sleep(d time.Duration) {
	<-c.After(d)
}
