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
	"bufio"
	"errors"
	"io"
	"io/fs"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// StreamTag identifies where a queued line came from.
// StreamTag 标识队列中一行数据的来源。
type StreamTag int

const (
	// TagEnd is the sentinel a reader pushes when it stops. It never carries data.
	// TagEnd 是读取协程退出时推送的哨兵，不携带数据。
	TagEnd StreamTag = iota

	// TagStdout marks a line read from the child's stdout.
	// TagStdout 表示来自子进程 stdout 的一行。
	TagStdout

	// TagStderr marks a line read from the child's stderr.
	// TagStderr 表示来自子进程 stderr 的一行。
	TagStderr
)

// String returns a human-readable tag name.
func (t StreamTag) String() string {
	switch t {
	case TagStdout:
		return "stdout"
	case TagStderr:
		return "stderr"
	case TagEnd:
		return "end"
	default:
		return "unknown"
	}
}

// queueItem is one (tag, line) pair. data is nil for TagEnd.
type queueItem struct {
	tag    StreamTag
	stream StreamTag
	data   []byte
}

// lineQueue is an unbounded FIFO shared by the readers and the consumer.
// lineQueue 是读取协程与消费者之间共享的无界 FIFO 队列。
// Pushes never block, so a reader keeps draining its pipe even when nobody consumes.
// 推送永不阻塞，因此即使无人消费，读取协程也会持续排空管道。
type lineQueue struct {
	mu    sync.Mutex
	items []queueItem
	wake  chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{wake: make(chan struct{}, 1)}
}

func (q *lineQueue) push(item queueItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// tryPop removes the head item without blocking.
func (q *lineQueue) tryPop() (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items[0] = queueItem{}
	q.items = q.items[1:]
	return item, true
}

// pop blocks until an item is available or the budget elapses.
// pop 阻塞直到有数据可用或预算耗尽。
func (q *lineQueue) pop(t *Timeout) (queueItem, bool) {
	expired := t.After()
	for {
		if item, ok := q.tryPop(); ok {
			return item, true
		}
		select {
		case <-q.wake:
		case <-expired:
			// Items pushed right at the deadline are still delivered.
			// 恰好在截止时刻推送的数据仍会被交付。
			return q.tryPop()
		}
	}
}

func (q *lineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// readLines copies lines from r into q until EOF or an I/O error.
// readLines 将 r 中的行写入 q，直到 EOF 或 I/O 错误。
// Exactly one TagEnd item is pushed when it returns, whatever the cause.
// 无论以何种原因返回，都只推送一次 TagEnd。
func readLines(r io.Reader, tag StreamTag, q *lineQueue, logger *zap.Logger) {
	defer q.push(queueItem{tag: TagEnd, stream: tag})

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			q.push(queueItem{tag: tag, stream: tag, data: line})
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
			logger.Debug("handle output error",
				zap.String("stream", tag.String()),
				zap.Error(err),
			)
		}
		return
	}
}

// Output merges the captured stdout and stderr of one child.
// Output 合并一个子进程被捕获的 stdout 与 stderr。
type Output struct {
	queue     *lineQueue
	stdout    bool
	stderr    bool
	truncated atomic.Bool

	// outAlive and errAlive are only touched by the consumer.
	// outAlive 与 errAlive 仅由消费者访问。
	outAlive bool
	errAlive bool
}

// newOutput starts one reader goroutine per non-nil stream.
// newOutput 为每个非 nil 的流启动一个读取协程。
func newOutput(stdout, stderr io.Reader, logger *zap.Logger) *Output {
	o := &Output{
		queue:  newLineQueue(),
		stdout: stdout != nil,
		stderr: stderr != nil,
	}
	o.outAlive, o.errAlive = o.stdout, o.stderr
	if stdout != nil {
		go readLines(stdout, TagStdout, o.queue, logger)
	}
	if stderr != nil {
		go readLines(stderr, TagStderr, o.queue, logger)
	}
	return o
}

// Captured reports whether at least one stream is being read.
func (o *Output) Captured() bool {
	return o != nil && (o.stdout || o.stderr)
}

// Truncated reports whether the last Lines iteration ended because its budget elapsed
// before both streams finished.
// Truncated 表示最近一次 Lines 迭代是否因预算耗尽而在两个流结束前提前停止。
func (o *Output) Truncated() bool {
	return o.truncated.Load()
}

// Lines returns a lazy sequence of (tag, line) pairs from both streams.
// Lines 返回来自两个流的 (tag, line) 惰性序列。
//
// The sequence ends when both readers have sent their end marker and everything
// already queued has been yielded, or early when t elapses. An early stop is not
// an error; it is recorded and visible through Truncated.
// 当两个读取协程都发送了结束标记且已排队的数据全部产出后序列结束；
// 若 t 先耗尽则提前结束。提前结束不是错误，可通过 Truncated 查看。
//
// Calling Lines again after a previous call has seen both end markers yields nothing.
// 若之前的调用已看到两个结束标记，再次调用 Lines 不会产出任何数据。
func (o *Output) Lines(t *Timeout) iter.Seq2[StreamTag, []byte] {
	return func(yield func(StreamTag, []byte) bool) {
		o.truncated.Store(false)

		for o.outAlive || o.errAlive {
			item, ok := o.queue.pop(t)
			if !ok {
				o.truncated.Store(true)
				return
			}
			if item.tag != TagEnd {
				if !yield(item.tag, item.data) {
					return
				}
				continue
			}

			switch item.stream {
			case TagStdout:
				o.outAlive = false
			case TagStderr:
				o.errAlive = false
			}
		}

		// Both readers are done: hand over whatever is still queued.
		// 两个读取协程均已结束：交付队列中剩余的数据。
		for {
			item, ok := o.queue.tryPop()
			if !ok {
				return
			}
			if item.tag == TagEnd {
				continue
			}
			if !yield(item.tag, item.data) {
				return
			}
		}
	}
}
