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

package runner

import (
	"context"
	"errors"

	"github.com/linktools/linkexec/internal/subprocess"
)

func handleCall(ctx context.Context, proc *subprocess.Process, t *subprocess.Timeout, req *Request) (*Result, error) {
	result, err := collect(proc, t, req)
	if err != nil {
		return nil, err
	}
	code, err := proc.Call(t)
	result.ExitCode = exitCode(proc, code, err)
	return result, err
}

func handleCheckCall(ctx context.Context, proc *subprocess.Process, t *subprocess.Timeout, req *Request) (*Result, error) {
	result, err := collect(proc, t, req)
	if err != nil {
		return nil, err
	}
	code, err := proc.CheckCall(t)
	result.ExitCode = exitCode(proc, code, err)
	return result, err
}

func handleDaemon(ctx context.Context, proc *subprocess.Process, t *subprocess.Timeout, req *Request) (*Result, error) {
	code, err := proc.CallAsDaemon(t)
	return &Result{ExitCode: code}, err
}

// handleRun collects the output and reaps the child. A child that outlives the
// budget is killed and the result is marked truncated instead of failing.
// handleRun 收集输出并回收子进程；超出预算的子进程会被终止，结果标记为截断而不是报错。
func handleRun(ctx context.Context, proc *subprocess.Process, t *subprocess.Timeout, req *Request) (*Result, error) {
	result, err := collect(proc, t, req)
	if err != nil {
		return nil, err
	}
	code, err := proc.Call(t)
	if errors.Is(err, subprocess.ErrWaitTimeout) {
		result.Truncated = true
		result.ExitCode = proc.ExitCode()
		return result, nil
	}
	result.ExitCode = code
	return result, err
}

// collect drains the captured streams, if any, within t.
// collect 在 t 内读取被捕获的流（如果有）。
func collect(proc *subprocess.Process, t *subprocess.Timeout, req *Request) (*Result, error) {
	if !proc.Output().Captured() {
		return &Result{}, nil
	}
	out, err := proc.Collect(t, req.LogStdout, req.LogStderr)
	if err != nil {
		return nil, err
	}
	return &Result{
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		Truncated: out.Truncated,
	}, nil
}

// exitCode reports the code of a finished call. A timed out call reports the
// code of the killed child.
func exitCode(proc *subprocess.Process, code int, err error) int {
	if errors.Is(err, subprocess.ErrWaitTimeout) {
		return proc.ExitCode()
	}
	return code
}
