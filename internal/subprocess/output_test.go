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
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"
)

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

type collected struct {
	stdout [][]byte
	stderr [][]byte
}

func collect(o *Output, timeout *Timeout) collected {
	var c collected
	for tag, data := range o.Lines(timeout) {
		switch tag {
		case TagStdout:
			c.stdout = append(c.stdout, data)
		case TagStderr:
			c.stderr = append(c.stderr, data)
		}
	}
	return c
}

// TestOutputLinesMergesBothStreams tests that every line of both streams is delivered
// TestOutputLinesMergesBothStreams 测试两个流的每一行都被交付
func TestOutputLinesMergesBothStreams(t *testing.T) {
	o := newOutput(
		strings.NewReader("out1\nout2\n"),
		strings.NewReader("err1\nerr2\n"),
		zap.NewNop(),
	)

	c := collect(o, NewTimeout(5*time.Second))

	assert.Equal(t, [][]byte{[]byte("out1\n"), []byte("out2\n")}, c.stdout)
	assert.Equal(t, [][]byte{[]byte("err1\n"), []byte("err2\n")}, c.stderr)
	assert.False(t, o.Truncated())
	assert.Equal(t, 0, o.queue.len())
}

// TestOutputLinesUnterminatedTail tests that a final line without newline is kept
// TestOutputLinesUnterminatedTail 测试末尾无换行的内容被保留
func TestOutputLinesUnterminatedTail(t *testing.T) {
	o := newOutput(strings.NewReader("first\nlast"), nil, zap.NewNop())

	c := collect(o, Unbounded())

	assert.Equal(t, [][]byte{[]byte("first\n"), []byte("last")}, c.stdout)
	assert.Empty(t, c.stderr)
}

// TestOutputLinesWaitsForSecondStream tests that one finished stream does not stop the sequence
// TestOutputLinesWaitsForSecondStream 测试单个流结束不会导致序列停止
func TestOutputLinesWaitsForSecondStream(t *testing.T) {
	errR, errW := io.Pipe()
	o := newOutput(strings.NewReader("quick\n"), errR, zap.NewNop())

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = errW.Write([]byte("slow\n"))
		_ = errW.Close()
	}()

	c := collect(o, NewTimeout(5*time.Second))

	assert.Equal(t, [][]byte{[]byte("quick\n")}, c.stdout)
	assert.Equal(t, [][]byte{[]byte("slow\n")}, c.stderr)
	assert.False(t, o.Truncated())
}

// TestOutputLinesTimeoutTruncates tests the early exit on deadline and the later resume
// TestOutputLinesTimeoutTruncates 测试截止时间到达时提前退出以及之后的继续读取
func TestOutputLinesTimeoutTruncates(t *testing.T) {
	outR, outW := io.Pipe()
	o := newOutput(outR, nil, zap.NewNop())

	go func() {
		_, _ = outW.Write([]byte("before\n"))
	}()

	start := time.Now()
	c := collect(o, NewTimeout(100*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, [][]byte{[]byte("before\n")}, c.stdout)
	assert.True(t, o.Truncated())

	go func() {
		_, _ = outW.Write([]byte("after\n"))
		_ = outW.Close()
	}()

	c = collect(o, NewTimeout(5*time.Second))
	assert.Equal(t, [][]byte{[]byte("after\n")}, c.stdout)
	assert.False(t, o.Truncated())

	// Both markers seen: nothing more to produce.
	c = collect(o, NewTimeout(50*time.Millisecond))
	assert.Empty(t, c.stdout)
	assert.False(t, o.Truncated())
}

// TestOutputLinesEarlyBreak tests that breaking out keeps the rest queued
// TestOutputLinesEarlyBreak 测试提前 break 后剩余数据仍保留在队列中
func TestOutputLinesEarlyBreak(t *testing.T) {
	o := newOutput(strings.NewReader("a\nb\nc\n"), nil, zap.NewNop())

	var first []byte
	for _, data := range o.Lines(NewTimeout(5 * time.Second)) {
		first = data
		break
	}
	assert.Equal(t, []byte("a\n"), first)

	c := collect(o, NewTimeout(5*time.Second))
	assert.Equal(t, [][]byte{[]byte("b\n"), []byte("c\n")}, c.stdout)
}

// TestReadLinesErrors tests that reader errors end the stream with one marker
// TestReadLinesErrors 测试读取错误以一次结束标记终止该流
func TestReadLinesErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		logged int
	}{
		{name: "eof", err: io.EOF, logged: 0},
		{name: "closed", err: os.ErrClosed, logged: 0},
		{name: "unexpected", err: errors.New("broken pipe handle"), logged: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			q := newLineQueue()

			readLines(&failingReader{data: []byte("x\ny\n"), err: tt.err}, TagStderr, q, zap.New(core))

			var items []queueItem
			for {
				item, ok := q.tryPop()
				if !ok {
					break
				}
				items = append(items, item)
			}

			require.Len(t, items, 3)
			assert.Equal(t, TagStderr, items[0].tag)
			assert.Equal(t, TagStderr, items[1].tag)
			assert.Equal(t, TagEnd, items[2].tag)
			assert.Equal(t, TagStderr, items[2].stream)
			assert.Nil(t, items[2].data)
			assert.Equal(t, tt.logged, logs.FilterMessage("handle output error").Len())
		})
	}
}

// TestReadLinesErrorKeepsSiblingStream tests that an error on one stream does not affect the other
// TestReadLinesErrorKeepsSiblingStream 测试一个流的错误不影响另一个流
func TestReadLinesErrorKeepsSiblingStream(t *testing.T) {
	o := newOutput(
		strings.NewReader("fine1\nfine2\n"),
		&failingReader{data: []byte("partial\n"), err: errors.New("read failed")},
		zap.NewNop(),
	)

	c := collect(o, NewTimeout(5*time.Second))

	assert.Equal(t, [][]byte{[]byte("fine1\n"), []byte("fine2\n")}, c.stdout)
	assert.Equal(t, [][]byte{[]byte("partial\n")}, c.stderr)
}

// TestStreamTagString tests tag names used in logs
// TestStreamTagString 测试日志中使用的标签名称
func TestStreamTagString(t *testing.T) {
	assert.Equal(t, "stdout", TagStdout.String())
	assert.Equal(t, "stderr", TagStderr.String())
	assert.Equal(t, "end", TagEnd.String())
	assert.Equal(t, "unknown", StreamTag(42).String())
}

// TestProperty_OutputPreservesLines tests that no line is lost, split or merged
// TestProperty_OutputPreservesLines 测试任何行都不会丢失、拆分或合并
func TestProperty_OutputPreservesLines(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		outLines := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9 \t]{0,40}`), 0, 50).Draw(t, "outLines")
		errLines := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9 \t]{0,40}`), 0, 50).Draw(t, "errLines")

		var outBuf, errBuf bytes.Buffer
		for _, l := range outLines {
			outBuf.WriteString(l + "\n")
		}
		for _, l := range errLines {
			errBuf.WriteString(l + "\n")
		}

		o := newOutput(bytes.NewReader(outBuf.Bytes()), bytes.NewReader(errBuf.Bytes()), zap.NewNop())
		c := collect(o, NewTimeout(10*time.Second))

		if len(c.stdout) != len(outLines) {
			t.Fatalf("stdout items: got %d, want %d", len(c.stdout), len(outLines))
		}
		if len(c.stderr) != len(errLines) {
			t.Fatalf("stderr items: got %d, want %d", len(c.stderr), len(errLines))
		}
		for i, l := range outLines {
			if string(c.stdout[i]) != l+"\n" {
				t.Fatalf("stdout line %d: got %q, want %q", i, c.stdout[i], l+"\n")
			}
		}
		for i, l := range errLines {
			if string(c.stderr[i]) != l+"\n" {
				t.Fatalf("stderr line %d: got %q, want %q", i, c.stderr[i], l+"\n")
			}
		}
		if o.Truncated() {
			t.Fatalf("finished streams must not be reported as truncated")
		}
	})
}
