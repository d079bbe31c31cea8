//go:build !windows
// +build !windows

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
	"os"
	"os/exec"
	"syscall"
)

// setProcGroupAttr puts the child into its own process group
// setProcGroupAttr 将子进程放入单独的进程组
// So a detached child does not receive the terminal's signals and
// a kill reaches everything it spawned
// 这样分离的子进程不会收到终端信号，且 kill 能到达它派生的所有进程
func setProcGroupAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group / 创建新进程组
	}
}

// killProcess sends SIGKILL to the child, or to its whole group when detached.
// killProcess 向子进程发送 SIGKILL；若已分离则发送给整个进程组。
func killProcess(p *os.Process, group bool) error {
	if group {
		err := syscall.Kill(-p.Pid, syscall.SIGKILL)
		if err == nil || !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	return p.Kill()
}

// exitCodeOf returns the exit status, or the negated signal number if the
// child was terminated by a signal.
// exitCodeOf 返回退出码；若子进程被信号终止则返回负的信号编号。
func exitCodeOf(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
