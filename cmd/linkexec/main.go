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

// Package main is the entry point for the linkexec command line tool.
// main 包是 linkexec 命令行工具的入口点。
//
// linkexec runs child processes with bounded waits:
// linkexec 以有限等待的方式运行子进程：
// - call / check-call: wait for exit, kill on timeout / 等待退出，超时则终止
// - daemon: start and leave running after a short grace / 启动并在短暂等待后保持后台运行
// - run: capture and optionally log stdout and stderr / 捕获并可选地记录 stdout 与 stderr
// - shell: start the configured shell / 启动配置的 shell
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/linktools/linkexec/internal/config"
	"github.com/linktools/linkexec/internal/logger"
	"github.com/linktools/linkexec/internal/runner"
	"github.com/linktools/linkexec/internal/subprocess"
	"github.com/linktools/linkexec/internal/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// ExitTimeout is the exit code used when a command timed out, as timeout(1) does
// ExitTimeout 是命令超时时使用的退出码，与 timeout(1) 一致
const ExitTimeout = 124

// exitCodeError carries the exit code main should terminate with
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// globalFlags are the persistent flags shared by every subcommand
// globalFlags 是所有子命令共享的持久标志
type globalFlags struct {
	configFile string
	logLevel   string
	timeout    time.Duration
	cwd        string
	env        []string
}

// app holds what a subcommand needs once configuration is loaded
// app 保存配置加载后子命令所需的对象
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	executor *runner.Executor
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "linkexec",
		Short: "linkexec - run child processes with bounded waits",
		Long: `linkexec runs child processes with bounded waits and captured output.
linkexec 以有限等待和输出捕获的方式运行子进程。

Modes / 模式:
- call:       wait for exit, kill on timeout / 等待退出，超时则终止
- check-call: like call, non-zero exit is an error / 同 call，非零退出视为错误
- daemon:     leave the child running / 保持子进程后台运行
- run:        capture stdout and stderr / 捕获 stdout 与 stderr`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "config file path (default: /etc/linkexec/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.DurationVarP(&flags.timeout, "timeout", "t", 0, "wait budget, 0 uses exec.timeout")
	pf.StringVar(&flags.cwd, "cwd", "", "working directory of the child")
	pf.StringArrayVar(&flags.env, "env", nil, "extra environment entry KEY=VALUE (repeatable)")

	rootCmd.AddCommand(
		newModeCmd(flags, "call", runner.ModeCall, "Run a command and return its exit code / 运行命令并返回退出码"),
		newModeCmd(flags, "check-call", runner.ModeCheckCall, "Run a command, non-zero exit is an error / 运行命令，非零退出视为错误"),
		newModeCmd(flags, "daemon", runner.ModeDaemon, "Start a command and leave it running / 启动命令并保持后台运行"),
		newRunCmd(flags),
		newShellCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}

// setup loads configuration and builds the logger, tracer and executor
// setup 加载配置并构建日志器、追踪器与执行器
func setup(ctx context.Context, cmd *cobra.Command, flags *globalFlags) (*app, error) {
	overrides := map[string]interface{}{}
	if flags.logLevel != "" {
		overrides["log.level"] = flags.logLevel
	}
	if cmd.Flags().Changed("timeout") {
		overrides["exec.timeout"] = flags.timeout
	}

	cfg, err := config.LoadWithPriority(flags.configFile, overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tracing.Init(ctx, cfg.Telemetry, log)

	return &app{
		cfg:      cfg,
		log:      log,
		executor: runner.NewExecutor(cfg, log),
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Debug("Failed to shutdown tracing", zap.Error(err))
	}
	_ = a.log.Sync()
}

func newModeCmd(flags *globalFlags, use string, mode runner.Mode, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " -- command [args...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := newRequest(flags, mode, args)
			if err != nil {
				return err
			}
			req.Stdin = cmd.InOrStdin()
			req.Stdout = cmd.OutOrStdout()
			req.Stderr = cmd.ErrOrStderr()
			return execute(cmd.Context(), cmd, flags, req, nil)
		},
	}
	// Flags after the command belong to the child / 命令之后的标志属于子进程
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var logStdout, logStderr, quiet bool

	cmd := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Run a command and capture its output / 运行命令并捕获输出",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := newRequest(flags, runner.ModeRun, args)
			if err != nil {
				return err
			}
			req.LogStdout, req.LogStderr = logStdout, logStderr
			req.Stdin = cmd.InOrStdin()

			return execute(cmd.Context(), cmd, flags, req, func(result *runner.Result) {
				if quiet {
					return
				}
				_, _ = cmd.OutOrStdout().Write(result.Stdout)
				_, _ = cmd.ErrOrStderr().Write(result.Stderr)
			})
		},
	}
	cmd.Flags().BoolVar(&logStdout, "log-stdout", false, "log every stdout line at info level")
	cmd.Flags().BoolVar(&logStderr, "log-stderr", false, "log every stderr line at error level")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the captured output")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newShellCmd(flags *globalFlags) *cobra.Command {
	var command string

	cmd := &cobra.Command{
		Use:   "shell [-e command]",
		Short: "Start the configured shell / 启动配置的 shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			shell, err := runner.ResolveShell(a.cfg.Shell)
			if err != nil {
				return err
			}
			req, err := newRequest(flags, runner.ModeCall, runner.ShellArgs(shell, command))
			if err != nil {
				return err
			}
			req.Stdin = cmd.InOrStdin()
			req.Stdout = cmd.OutOrStdout()
			req.Stderr = cmd.ErrOrStderr()

			// The shell handles interrupts itself / shell 自行处理中断信号
			result, err := a.executor.Execute(context.WithoutCancel(cmd.Context()), req)
			return exitStatus(result, err)
		},
	}
	// -c is taken by the persistent --config flag / -c 已被持久标志 --config 占用
	cmd.Flags().StringVarP(&command, "command", "e", "", "shell command to run")
	return cmd
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration / 打印生效的配置",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			data, err := a.cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information / 打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "linkexec\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// newRequest builds a runner request from the global flags
// newRequest 根据全局标志构建执行请求
func newRequest(flags *globalFlags, mode runner.Mode, args []string) (*runner.Request, error) {
	env, err := parseEnv(flags.env)
	if err != nil {
		return nil, err
	}
	return &runner.Request{
		Mode: mode,
		Args: args,
		Dir:  flags.cwd,
		Env:  env,
	}, nil
}

func execute(ctx context.Context, cmd *cobra.Command, flags *globalFlags, req *runner.Request, onResult func(*runner.Result)) error {
	a, err := setup(ctx, cmd, flags)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.executor.Execute(ctx, req)
	if result != nil && onResult != nil {
		onResult(result)
	}
	return exitStatus(result, err)
}

// exitStatus maps a command outcome to the exit code of linkexec
// exitStatus 将命令结果映射为 linkexec 的退出码
func exitStatus(result *runner.Result, err error) error {
	var exitErr *subprocess.ExitError
	switch {
	case errors.Is(err, subprocess.ErrWaitTimeout):
		return &exitCodeError{code: ExitTimeout, err: err}
	case errors.As(err, &exitErr):
		return &exitCodeError{code: shellCode(exitErr.Code), err: err}
	case err != nil:
		return err
	case result == nil:
		return nil
	case result.Mode == runner.ModeRun && result.Truncated:
		return &exitCodeError{code: ExitTimeout}
	case result.ExitCode != 0:
		return &exitCodeError{code: shellCode(result.ExitCode)}
	}
	return nil
}

// shellCode turns a signalled exit (-signal) into 128+signal
// shellCode 将信号退出（-signal）转换为 128+signal
func shellCode(code int) int {
	if code < 0 {
		return 128 - code
	}
	return code
}

// parseEnv parses repeated KEY=VALUE flags
// parseEnv 解析重复的 KEY=VALUE 标志
func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, kv := range entries {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env entry %q (must be KEY=VALUE)", kv)
		}
		env[key] = value
	}
	return env, nil
}

// run executes the root command and returns the process exit code
// run 执行根命令并返回进程退出码
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var codeErr *exitCodeError
	if errors.As(err, &codeErr) {
		if codeErr.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", codeErr.err)
		}
		return codeErr.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
