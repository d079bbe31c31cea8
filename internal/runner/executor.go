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

// Package runner executes command requests through the subprocess package.
// runner 包通过 subprocess 包执行命令请求。
//
// A request names an execution mode. Each mode is served by a handler
// registered on the Executor, so callers can add or replace modes.
// 每个请求都指定一种执行模式，由注册在 Executor 上的处理器负责，调用方可以新增或替换模式。
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/linktools/linkexec/internal/config"
	"github.com/linktools/linkexec/internal/subprocess"
	"github.com/linktools/linkexec/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Mode is the name of an execution mode
// Mode 是执行模式的名称
type Mode string

// Built-in execution modes
// 内置执行模式
const (
	ModeCall      Mode = "call"
	ModeCheckCall Mode = "check_call"
	ModeDaemon    Mode = "daemon"
	ModeRun       Mode = "run"
)

// ErrUnknownMode indicates no handler is registered for the requested mode
// ErrUnknownMode 表示请求的模式没有注册处理器
var ErrUnknownMode = errors.New("unknown execution mode")

// Request describes one command to execute
// Request 描述一条待执行的命令
type Request struct {
	// Mode selects the handler
	// Mode 选择处理器
	Mode Mode

	// Args is the argument vector, Args[0] is the executable
	// Args 是参数向量，Args[0] 为可执行文件
	Args []string

	// Dir is the working directory (optional)
	// Dir 是工作目录（可选）
	Dir string

	// Env is merged on top of the configured exec.env
	// Env 合并在配置的 exec.env 之上
	Env map[string]string

	// Timeout overrides exec.timeout when positive
	// Timeout 为正数时覆盖 exec.timeout
	Timeout time.Duration

	// LogStdout and LogStderr forward live lines in run mode
	// LogStdout 与 LogStderr 在 run 模式下实时转发输出行
	LogStdout bool
	LogStderr bool

	// Capture collects stdout and stderr in call and check_call modes.
	// Run mode always captures, daemon mode never does.
	// Capture 在 call 与 check_call 模式下收集 stdout 与 stderr；run 模式总是捕获，daemon 模式从不捕获。
	Capture bool

	// Stdin, Stdout and Stderr redirect the child's streams when not capturing
	// Stdin、Stdout、Stderr 在不捕获时重定向子进程的流
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of an executed request
// Result 是请求执行的结果
type Result struct {
	ID        string
	Mode      Mode
	Pid       int
	ExitCode  int
	Stdout    []byte
	Stderr    []byte
	Truncated bool
	Duration  time.Duration
}

// HandlerFunc runs a started child in one execution mode.
// HandlerFunc 以某种执行模式运行已启动的子进程。
type HandlerFunc func(ctx context.Context, proc *subprocess.Process, t *subprocess.Timeout, req *Request) (*Result, error)

// Executor dispatches requests to mode handlers
// Executor 将请求分发到模式处理器
type Executor struct {
	cfg    *config.Config
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[Mode]HandlerFunc
}

// NewExecutor creates an executor with the built-in modes registered.
// NewExecutor 创建已注册内置模式的执行器。
func NewExecutor(cfg *config.Config, logger *zap.Logger) *Executor {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[Mode]HandlerFunc),
	}
	e.RegisterHandler(ModeCall, handleCall)
	e.RegisterHandler(ModeCheckCall, handleCheckCall)
	e.RegisterHandler(ModeDaemon, handleDaemon)
	e.RegisterHandler(ModeRun, handleRun)
	return e
}

// RegisterHandler registers or replaces the handler of a mode.
// RegisterHandler 注册或替换某个模式的处理器。
func (e *Executor) RegisterHandler(mode Mode, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[mode] = fn
}

// Modes returns the registered modes in sorted order.
func (e *Executor) Modes() []Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.handlers))
}

// Execute starts the child described by req and hands it to the mode handler.
// Execute 启动 req 描述的子进程并交给对应模式的处理器。
//
// Cancelling ctx kills the child while the handler is still running.
// 处理器运行期间取消 ctx 会终止子进程。
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	e.mu.RLock()
	handler, ok := e.handlers[req.Mode]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, req.Mode)
	}

	ctx, span := tracing.Start(ctx, "linkexec."+string(req.Mode))
	defer span.End()

	proc, err := subprocess.Start(e.options(req), toAny(req.Args)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Failed to start command",
			zap.String("mode", string(req.Mode)),
			zap.Strings("args", req.Args),
			zap.Error(err),
		)
		return nil, err
	}
	span.SetAttributes(tracing.CommandAttributes(proc.ID, string(req.Mode), subprocess.Cmdline(proc.Args), proc.Pid())...)

	log := e.logger.With(
		zap.String("id", proc.ID),
		zap.String("mode", string(req.Mode)),
		zap.Int("pid", proc.Pid()),
	)
	log.Debug("Command started", zap.String("dir", proc.Dir))

	stop := context.AfterFunc(ctx, func() {
		if err := proc.Kill(); err != nil {
			log.Warn("Failed to kill cancelled command", zap.Error(err))
		}
	})
	defer stop()

	started := time.Now()
	result, err := handler(ctx, proc, e.timeout(req), req)
	if result == nil {
		result = &Result{ExitCode: proc.ExitCode()}
	}
	result.ID = proc.ID
	result.Mode = req.Mode
	result.Pid = proc.Pid()
	result.Duration = time.Since(started)

	recordResult(span, result, err)
	if err != nil {
		log.Warn("Command failed",
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", result.Duration),
			zap.Error(err),
		)
		return result, err
	}

	log.Debug("Command finished",
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("truncated", result.Truncated),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// options turns a request into spawn options using the configured defaults.
func (e *Executor) options(req *Request) *subprocess.Options {
	env := e.cfg.EnvMap()
	maps.Copy(env, req.Env)

	opts := &subprocess.Options{
		Dir:       req.Dir,
		TempDir:   e.cfg.Exec.TempDir,
		AppendEnv: env,
		Stdin:     req.Stdin,
		Logger:    e.logger,
	}

	switch req.Mode {
	case ModeRun:
		opts.CaptureOutput = true
	case ModeDaemon:
		opts.Detached = e.cfg.Exec.Detached
		opts.Stdout, opts.Stderr = req.Stdout, req.Stderr
	default:
		if req.Capture {
			opts.CaptureOutput = true
		} else {
			opts.Stdout, opts.Stderr = req.Stdout, req.Stderr
		}
	}
	return opts
}

// timeout picks the budget of a request: the request's own, then exec.timeout,
// then exec.daemon_grace for daemon mode.
// timeout 选择请求的时间预算：先用请求自身的，其次 exec.timeout，daemon 模式最后使用 exec.daemon_grace。
func (e *Executor) timeout(req *Request) *subprocess.Timeout {
	switch {
	case req.Timeout > 0:
		return subprocess.NewTimeout(req.Timeout)
	case e.cfg.Exec.Timeout > 0:
		return subprocess.NewTimeout(e.cfg.Exec.Timeout)
	case req.Mode == ModeDaemon && e.cfg.Exec.DaemonGrace > 0:
		return subprocess.NewTimeout(e.cfg.Exec.DaemonGrace)
	default:
		return subprocess.Unbounded()
	}
}

func recordResult(span trace.Span, result *Result, err error) {
	span.SetAttributes(
		attribute.Int("linkexec.exit_code", result.ExitCode),
		attribute.Bool("linkexec.truncated", result.Truncated),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func toAny(args []string) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		out[i] = arg
	}
	return out
}
