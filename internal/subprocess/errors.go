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
	"fmt"
)

// Common errors for process execution
// 进程执行的常见错误
var (
	// ErrSpawnFailed indicates the executable could not be started
	// ErrSpawnFailed 表示可执行文件无法启动
	ErrSpawnFailed = errors.New("process failed to start")

	// ErrWaitTimeout indicates a bounded wait ran out of time
	// ErrWaitTimeout 表示有限等待超时
	ErrWaitTimeout = errors.New("process wait timed out")

	// ErrNonZeroExit indicates a checked call exited with a non-zero code
	// ErrNonZeroExit 表示检查调用以非零退出码退出
	ErrNonZeroExit = errors.New("process exited with non-zero status")

	// ErrCaptureConflict indicates CaptureOutput was combined with explicit stdout/stderr writers
	// ErrCaptureConflict 表示 CaptureOutput 与显式 stdout/stderr 同时使用
	ErrCaptureConflict = errors.New("stdout and stderr may not be used with capture output")

	// ErrEmptyArgs indicates no executable was given
	// ErrEmptyArgs 表示未提供可执行文件
	ErrEmptyArgs = errors.New("empty argument vector")

	// ErrConcurrentCall indicates another execution-mode call is already using the handle
	// ErrConcurrentCall 表示已有其他执行模式调用正在使用该句柄
	ErrConcurrentCall = errors.New("process handle is already in use")
)

// SpawnError is returned when the child cannot be started.
// SpawnError 在子进程无法启动时返回。
type SpawnError struct {
	Args []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrSpawnFailed, Cmdline(e.Args), e.Err)
}

// Unwrap exposes both the sentinel and the underlying exec error.
func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawnFailed, e.Err}
}

// TimeoutError is returned when a bounded wait expires.
// TimeoutError 在有限等待超时时返回。
type TimeoutError struct {
	Args    []string
	Timeout *Timeout
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command '%s' timed out after %s", Cmdline(e.Args), e.Timeout.Duration())
}

func (e *TimeoutError) Unwrap() error {
	return ErrWaitTimeout
}

// ExitError carries the exit code of a failed checked call.
// ExitError 携带检查调用失败时的退出码。
type ExitError struct {
	Code int
	Args []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command '%s' returned non-zero exit status %d", Cmdline(e.Args), e.Code)
}

func (e *ExitError) Unwrap() error {
	return ErrNonZeroExit
}
