/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package subprocess

import (
	"time"
)

// Timeout is a monotonic time budget shared by sequential waits.
// Timeout 是可在多次顺序等待之间共享的单调时间预算。
//
// A nil *Timeout is unbounded.
// nil *Timeout 表示无限制。
type Timeout struct {
	start    time.Time
	duration time.Duration
	bounded  bool
}

// NewTimeout creates a bounded budget that starts now.
// NewTimeout 创建一个从当前时刻开始的有限预算。
// A non-positive duration yields an already expired budget.
// 非正数时长得到一个已过期的预算。
func NewTimeout(d time.Duration) *Timeout {
	if d < 0 {
		d = 0
	}
	return &Timeout{
		start:    time.Now(),
		duration: d,
		bounded:  true,
	}
}

// Unbounded returns a budget that never expires.
// Unbounded 返回一个永不过期的预算。
func Unbounded() *Timeout {
	return &Timeout{start: time.Now()}
}

// Bounded reports whether the budget has a finite duration.
// Bounded 表示预算是否有限。
func (t *Timeout) Bounded() bool {
	return t != nil && t.bounded
}

// Duration returns the total budget, zero when unbounded.
func (t *Timeout) Duration() time.Duration {
	if !t.Bounded() {
		return 0
	}
	return t.duration
}

// Remaining returns the time left and true, or 0 and false when unbounded.
// Remaining 返回剩余时间和 true；无限制时返回 0 和 false。
// The value is derived from the clock on every call and is never negative.
// 每次调用都会根据时钟重新计算，且永远不会为负数。
func (t *Timeout) Remaining() (time.Duration, bool) {
	if !t.Bounded() {
		return 0, false
	}
	left := t.duration - time.Since(t.start)
	if left < 0 {
		left = 0
	}
	return left, true
}

// Expired reports whether a bounded budget has been used up.
// Expired 表示有限预算是否已耗尽。
func (t *Timeout) Expired() bool {
	left, bounded := t.Remaining()
	return bounded && left == 0
}

// After returns a channel that fires once the budget elapses.
// After 返回一个在预算耗尽时触发的通道。
// For an unbounded budget the channel is nil and blocks forever in a select.
// 对于无限制预算返回 nil 通道，在 select 中永远阻塞。
func (t *Timeout) After() <-chan time.Time {
	left, bounded := t.Remaining()
	if !bounded {
		return nil
	}
	return time.After(left)
}

func (t *Timeout) String() string {
	left, bounded := t.Remaining()
	if !bounded {
		return "unbounded"
	}
	return left.String()
}
