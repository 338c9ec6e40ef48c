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
	"fmt"
	"sync"
	"time"
)

// timerEngine wraps the monotonic clock and the single reused one-shot
// timer. Waits longer than maxTimerSeconds are split by the state
// machine; the engine does not clamp an arming itself, so callers keep
// each arming within maxTimerSeconds.
type timerEngine struct {
	clock Clock
	// maxTimerSeconds = min(2^32-1, MaxTimerSpan/TicksPerSecond).
	maxTimerSeconds uint32
	// setTime is the instant of the last arming.
	setTime uint64
	armed   bool
}

func newTimerEngine(clock Clock) (*timerEngine, error) {
	tps := clock.TicksPerSecond()
	if tps == 0 {
		return nil, fmt.Errorf("clock reports zero ticks per second")
	}
	maxSeconds := clock.MaxTimerSpan() / tps
	if maxSeconds > 0xffffffff {
		maxSeconds = 0xffffffff
	}
	if maxSeconds < 255 {
		return nil, fmt.Errorf("clock span too narrow: %d seconds < 255", maxSeconds)
	}
	return &timerEngine{clock: clock, maxTimerSeconds: uint32(maxSeconds)}, nil
}

func (t *timerEngine) now() uint64 {
	return t.clock.Ticks()
}

func (t *timerEngine) ticksPerSecond() uint64 {
	return t.clock.TicksPerSecond()
}

// setAfter arms the timer seconds from now. seconds must not exceed
// maxTimerSeconds.
func (t *timerEngine) setAfter(seconds uint32) {
	t.setAt(t.now() + uint64(seconds)*t.ticksPerSecond())
}

// setAt arms the timer at an absolute tick instant. Instants in the
// past fire immediately.
func (t *timerEngine) setAt(at uint64) {
	t.setTime = t.now()
	t.armed = true
	t.clock.Schedule(at)
}

func (t *timerEngine) unset() {
	t.armed = false
	t.clock.Stop()
}

// lastSetTime returns the instant of the last arming.
func (t *timerEngine) lastSetTime() uint64 {
	return t.setTime
}

// SystemClock implements Clock on the Go runtime's monotonic clock
// with nanosecond ticks and a time.Timer as the one-shot.
type SystemClock struct {
	start time.Time

	mu    sync.Mutex
	timer *time.Timer
	c     chan struct{}
}

// NewSystemClock returns a Clock backed by the runtime monotonic
// clock.
func NewSystemClock() *SystemClock {
	return &SystemClock{
		start: time.Now(),
		c:     make(chan struct{}, 1),
	}
}

func (s *SystemClock) Ticks() uint64 {
	return uint64(time.Since(s.start))
}

func (s *SystemClock) TicksPerSecond() uint64 {
	return uint64(time.Second)
}

func (s *SystemClock) MaxTimerSpan() uint64 {
	// time.Duration is a signed 64-bit nanosecond count.
	return 1 << 62
}

func (s *SystemClock) Schedule(at uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d time.Duration
	if now := s.Ticks(); at > now {
		d = time.Duration(at - now)
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(d, func() {
			select {
			case s.c <- struct{}{}:
			default:
			}
		})
		return
	}
	s.timer.Stop()
	// Drain a fire that raced with the re-arm.
	select {
	case <-s.c:
	default:
	}
	s.timer.Reset(d)
}

func (s *SystemClock) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	select {
	case <-s.c:
	default:
	}
}

func (s *SystemClock) C() <-chan struct{} {
	return s.c
}
