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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestCmdline tests command line quoting
// TestCmdline 测试命令行引号处理
func TestCmdline(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "plain", args: []string{"adb", "shell", "ls"}, want: `adb shell ls`},
		{name: "space", args: []string{"echo", "a b"}, want: `echo "a b"`},
		{name: "tab", args: []string{"a\tb"}, want: "\"a\tb\""},
		{name: "empty", args: []string{"run", ""}, want: `run ""`},
		{name: "quote", args: []string{`a"b`}, want: `a\"b`},
		{name: "backslash", args: []string{`a\b`}, want: `a\b`},
		{name: "backslash before quote", args: []string{`a\"b`}, want: `a\\\"b`},
		{name: "trailing backslash quoted", args: []string{`a b\`}, want: `"a b\\"`},
		{name: "no args", args: nil, want: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cmdline(tt.args))
		})
	}
}

// TestErrorMessages tests that typed errors describe the command
// TestErrorMessages 测试类型化错误包含命令信息
func TestErrorMessages(t *testing.T) {
	timeoutErr := &TimeoutError{Args: []string{"sleep", "5"}, Timeout: NewTimeout(time.Second)}
	assert.Equal(t, "command 'sleep 5' timed out after 1s", timeoutErr.Error())
	assert.True(t, errors.Is(timeoutErr, ErrWaitTimeout))

	exitErr := &ExitError{Code: 2, Args: []string{"ls", "missing dir"}}
	assert.Equal(t, `command 'ls "missing dir"' returned non-zero exit status 2`, exitErr.Error())
	assert.True(t, errors.Is(exitErr, ErrNonZeroExit))

	spawnErr := &SpawnError{Args: []string{"nope"}, Err: errors.New("not found")}
	assert.Equal(t, "process failed to start: nope: not found", spawnErr.Error())
	assert.True(t, errors.Is(spawnErr, ErrSpawnFailed))
}
