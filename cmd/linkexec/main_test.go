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

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/linktools/linkexec/internal/runner"
	"github.com/linktools/linkexec/internal/subprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI runs the root command with an isolated configuration
// runCLI 使用隔离的配置运行根命令
func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("LINKEXEC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

// TestVersionCommand tests the version subcommand
// TestVersionCommand 测试 version 子命令
func TestVersionCommand(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, runtime.Version())
}

// TestConfigCommand tests that the effective configuration is printed
// TestConfigCommand 测试打印生效的配置
func TestConfigCommand(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("shell:\n  path: /bin/dash\n"), 0644))

	code, out, _ := runCLI(t, "--config", configPath, "--log-level", "warn", "config")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "path: /bin/dash")
	assert.Contains(t, out, "level: warn")
}

// TestInvalidLogLevel tests that configuration errors exit with 1
// TestInvalidLogLevel 测试配置错误以 1 退出
func TestInvalidLogLevel(t *testing.T) {
	code, _, errOut := runCLI(t, "--log-level", "chatty", "config")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid log level")
}

// TestCallExitCode tests that the child's exit code is propagated
// TestCallExitCode 测试子进程退出码被透传
func TestCallExitCode(t *testing.T) {
	skipOnWindows(t)

	code, out, _ := runCLI(t, "call", "--", "/bin/sh", "-c", "echo called; exit 3")
	assert.Equal(t, 3, code)
	assert.Equal(t, "called\n", out)
}

// TestCallFlagsBelongToChild tests that flags after the command are not parsed
// TestCallFlagsBelongToChild 测试命令之后的标志不会被解析
func TestCallFlagsBelongToChild(t *testing.T) {
	skipOnWindows(t)

	code, out, _ := runCLI(t, "call", "/bin/sh", "-c", "echo child")
	assert.Equal(t, 0, code)
	assert.Equal(t, "child\n", out)
}

// TestCheckCallTimeout tests the timeout exit code
// TestCheckCallTimeout 测试超时退出码
func TestCheckCallTimeout(t *testing.T) {
	skipOnWindows(t)

	code, _, errOut := runCLI(t, "--timeout", "100ms", "check-call", "--", "/bin/sh", "-c", "exec sleep 5")
	assert.Equal(t, ExitTimeout, code)
	assert.Contains(t, errOut, "timed out")
}

// TestCheckCallNonZero tests that check-call reports the failure
// TestCheckCallNonZero 测试 check-call 报告失败
func TestCheckCallNonZero(t *testing.T) {
	skipOnWindows(t)

	code, _, errOut := runCLI(t, "check-call", "--", "/bin/sh", "-c", "exit 5")
	assert.Equal(t, 5, code)
	assert.Contains(t, errOut, "returned non-zero exit status 5")
}

// TestRunCommand tests that captured output is printed
// TestRunCommand 测试打印捕获的输出
func TestRunCommand(t *testing.T) {
	skipOnWindows(t)

	code, out, errOut := runCLI(t, "run", "--", "/bin/sh", "-c", "echo hi; echo oops >&2")
	assert.Equal(t, 0, code)
	assert.Equal(t, "hi\n", out)
	assert.Equal(t, "oops\n", errOut)
}

// TestRunQuiet tests --quiet
// TestRunQuiet 测试 --quiet
func TestRunQuiet(t *testing.T) {
	skipOnWindows(t)

	code, out, errOut := runCLI(t, "run", "--quiet", "--", "/bin/sh", "-c", "echo hi; echo oops >&2")
	assert.Equal(t, 0, code)
	assert.Empty(t, out)
	assert.Empty(t, errOut)
}

// TestRunEnvAndCwd tests --env and --cwd
// TestRunEnvAndCwd 测试 --env 与 --cwd
func TestRunEnvAndCwd(t *testing.T) {
	skipOnWindows(t)

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	code, out, _ := runCLI(t, "--cwd", dir, "--env", "LINKEXEC_GREETING=hello", "run", "--", "/bin/sh", "-c", `printf '%s %s' "$LINKEXEC_GREETING" "$(pwd -P)"`)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello "+dir, out)
}

// TestInvalidEnvFlag tests a malformed --env entry
// TestInvalidEnvFlag 测试格式错误的 --env
func TestInvalidEnvFlag(t *testing.T) {
	code, _, errOut := runCLI(t, "--env", "NOVALUE", "call", "--", "true")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid --env entry")
}

// TestShellCommand tests shell -c
// TestShellCommand 测试 shell -c
func TestShellCommand(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("SHELL", "/bin/sh")

	code, out, _ := runCLI(t, "shell", "-e", "echo from-shell; exit 2")
	assert.Equal(t, 2, code)
	assert.Equal(t, "from-shell\n", out)

	code, out, _ = runCLI(t, "shell", "--command", "echo long-flag")
	assert.Equal(t, 0, code)
	assert.Equal(t, "long-flag\n", out)
}

// TestShellInteractive tests the shell reading commands from stdin and the
// persistent -c flag still selecting the config file
// TestShellInteractive 测试 shell 从 stdin 读取命令，且持久标志 -c 仍用于指定配置文件
func TestShellInteractive(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("SHELL", "/bin/false")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("shell:\n  path: /bin/sh\n"), 0644))

	var stdout, stderr bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetArgs([]string{"-c", configPath, "shell"})
	rootCmd.SetIn(strings.NewReader("echo piped; exit 4\n"))
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)

	err := rootCmd.ExecuteContext(context.Background())
	var codeErr *exitCodeError
	require.True(t, errors.As(err, &codeErr), "got %v", err)
	assert.Equal(t, 4, codeErr.code)
	assert.Equal(t, "piped\n", stdout.String())
}

// TestExitStatus tests the mapping from results to exit codes
// TestExitStatus 测试结果到退出码的映射
func TestExitStatus(t *testing.T) {
	timeoutErr := &subprocess.TimeoutError{Args: []string{"sleep"}, Timeout: subprocess.NewTimeout(0)}
	spawnErr := &subprocess.SpawnError{Args: []string{"nope"}, Err: os.ErrNotExist}

	tests := []struct {
		name   string
		result *runner.Result
		err    error
		want   int
	}{
		{name: "success", result: &runner.Result{Mode: runner.ModeCall}, want: 0},
		{name: "exit code", result: &runner.Result{Mode: runner.ModeCall, ExitCode: 4}, want: 4},
		{name: "signalled", result: &runner.Result{Mode: runner.ModeCall, ExitCode: -9}, want: 137},
		{name: "timeout", result: &runner.Result{Mode: runner.ModeCall}, err: timeoutErr, want: ExitTimeout},
		{name: "run truncated", result: &runner.Result{Mode: runner.ModeRun, Truncated: true}, want: ExitTimeout},
		{name: "check call", err: &subprocess.ExitError{Code: 6}, want: 6},
		{name: "spawn failure", err: spawnErr, want: 1},
		{name: "no result", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitStatus(tt.result, tt.err)
			if tt.want == 0 {
				assert.NoError(t, err)
				return
			}
			var codeErr *exitCodeError
			if errors.As(err, &codeErr) {
				assert.Equal(t, tt.want, codeErr.code)
			} else {
				require.Error(t, err)
				assert.Equal(t, 1, tt.want)
			}
		})
	}
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y", "A=2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "2", "B": "x=y"}, env)

	env, err = parseEnv(nil)
	assert.NoError(t, err)
	assert.Nil(t, env)

	_, err = parseEnv([]string{"=x"})
	assert.Error(t, err)
}
