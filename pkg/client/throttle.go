/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"golang.org/x/time/rate"
)

// logInterval is the minimum spacing between identical drop-path log
// lines. A misbehaving peer can hit the drop paths for every packet
// it sends; the limiter keeps that off the logs.
const logInterval = 30 // seconds

// logThrottler rate-limits log lines by key. Not safe for concurrent
// use; the client only logs from its run loop.
type logThrottler struct {
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

func newLogThrottler() *logThrottler {
	return &logThrottler{
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
	}
}

// shouldLog reports whether a line with this key may be logged now,
// and how many identical lines were suppressed since the last one
// that was allowed.
func (t *logThrottler) shouldLog(key string) (bool, int) {
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(1.0/logInterval), 1)
		t.limiters[key] = l
	}
	if l.Allow() {
		n := t.suppressed[key]
		t.suppressed[key] = 0
		return true, n
	}
	t.suppressed[key]++
	return false, t.suppressed[key] - 1
}

func (t *logThrottler) reset() {
	clear(t.limiters)
	clear(t.suppressed)
}
