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
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/linktools/linkexec/internal/config"
)

// ErrNoShell indicates no usable shell could be found
// ErrNoShell 表示找不到可用的 shell
var ErrNoShell = errors.New("no shell found")

// ResolveShell picks the shell used by the shell command.
// ResolveShell 选择 shell 命令使用的 shell。
//
// Order: shell.path, then $SHELL (%ComSpec% on Windows), then the first of
// bash, sh (powershell, cmd on Windows) found in PATH.
// 顺序：shell.path，其次 $SHELL（Windows 上为 %ComSpec%），最后是 PATH 中找到的第一个
// bash、sh（Windows 上为 powershell、cmd）。
func ResolveShell(cfg config.ShellConfig) (string, error) {
	if cfg.Path != "" {
		return cfg.Path, nil
	}

	envName, candidates := "SHELL", []string{"bash", "sh"}
	if runtime.GOOS == "windows" {
		envName, candidates = "ComSpec", []string{"powershell", "cmd"}
	}

	if shell := os.Getenv(envName); shell != "" {
		return shell, nil
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrNoShell
}

// ShellArgs builds the argument vector that runs command through shell.
// An empty command starts the shell interactively.
// ShellArgs 构建通过 shell 执行 command 的参数向量；command 为空时以交互方式启动 shell。
func ShellArgs(shell, command string) []string {
	if command == "" {
		return []string{shell}
	}

	name := strings.ToLower(strings.TrimSuffix(filepath.Base(shell), filepath.Ext(shell)))
	switch name {
	case "cmd":
		return []string{shell, "/C", command}
	case "powershell", "pwsh":
		return []string{shell, "-NoProfile", "-Command", command}
	default:
		return []string{shell, "-c", command}
	}
}
