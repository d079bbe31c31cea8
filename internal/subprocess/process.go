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

// Package subprocess spawns one child process and drains its output.
// subprocess 包负责启动单个子进程并排空其输出。
//
// This package provides:
// 此包提供：
// - Start with working directory, environment overlay and capture options / 支持工作目录、环境变量覆盖与输出捕获的启动
// - Call, CheckCall, CallAsDaemon and Run execution modes / Call、CheckCall、CallAsDaemon 与 Run 执行模式
// - Deadline-bounded waits with kill on timeout / 带截止时间的等待，超时即终止
// - Concurrent stdout/stderr line multiplexing / 并发的 stdout/stderr 行复用
package subprocess

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State represents the lifecycle state of a child process
// State 表示子进程的生命周期状态
type State int32

const (
	// StateSpawned indicates the handle exists but the child is not started yet
	// StateSpawned 表示句柄已创建但子进程尚未启动
	StateSpawned State = iota

	// StateRunning indicates the child is running
	// StateRunning 表示子进程正在运行
	StateRunning

	// StateCompleted indicates the child exited and was reaped
	// StateCompleted 表示子进程已退出并被回收
	StateCompleted

	// StateKilled indicates this handle killed the child after a timeout
	// StateKilled 表示该句柄因超时终止了子进程
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

const (
	// DefaultDaemonGrace is the wait used by CallAsDaemon when no budget is given (100ms)
	// DefaultDaemonGrace 是 CallAsDaemon 未指定预算时的等待时间（100 毫秒）
	DefaultDaemonGrace = 100 * time.Millisecond

	// killReapTimeout bounds how long a kill waits for the child to be reaped
	// killReapTimeout 限制 kill 之后等待子进程被回收的时间
	killReapTimeout = 5 * time.Second
)

// Sink receives live output lines from Run.
// Sink 接收 Run 实时转发的输出行。
// *zap.Logger satisfies it.
// *zap.Logger 满足该接口。
type Sink interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// Options contains parameters for spawning a child
// Options 包含启动子进程的参数
type Options struct {
	// Dir is the working directory (optional, defaults to the current directory)
	// Dir 是工作目录（可选，默认为当前目录）
	Dir string

	// TempDir is used as working directory when the current directory is unavailable
	// TempDir 在当前目录不可用时作为工作目录
	TempDir string

	// Env is the base environment, nil means the parent's environment
	// Env 是基础环境变量，nil 表示继承父进程环境
	Env []string

	// AppendEnv overrides entries of the base environment
	// AppendEnv 覆盖基础环境中的变量
	AppendEnv map[string]string

	// CaptureOutput pipes stdout and stderr so they can be read through Run
	// CaptureOutput 通过管道捕获 stdout 与 stderr，供 Run 读取
	CaptureOutput bool

	// Stdin, Stdout and Stderr redirect the child's streams, nil inherits the parent's
	// Stdin、Stdout、Stderr 重定向子进程的流，nil 表示继承父进程
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Detached starts the child in its own process group
	// Detached 在独立的进程组中启动子进程
	Detached bool

	// Logger receives debug and error diagnostics, nil disables them
	// Logger 接收调试与错误诊断信息，nil 表示关闭
	Logger *zap.Logger

	// Sink receives live lines from Run, defaults to Logger
	// Sink 接收 Run 的实时输出行，默认为 Logger
	Sink Sink
}

// RunResult holds the output collected by Run
// RunResult 保存 Run 收集到的输出
type RunResult struct {
	// Stdout is every stdout line in order, nil when none was observed
	// Stdout 是按顺序拼接的所有 stdout 行，未观察到时为 nil
	Stdout []byte

	// Stderr is every stderr line in order, nil when none was observed
	// Stderr 是按顺序拼接的所有 stderr 行，未观察到时为 nil
	Stderr []byte

	// Truncated reports that the budget elapsed before both streams ended
	// Truncated 表示预算在两个流结束之前耗尽
	Truncated bool
}

// Process is the handle of one spawned child
// Process 是一个已启动子进程的句柄
type Process struct {
	// ID identifies this execution in logs
	// ID 在日志中标识本次执行
	ID string

	// Args is the stringified argument vector
	// Args 是字符串化后的参数向量
	Args []string

	// Dir is the resolved working directory
	// Dir 是解析后的工作目录
	Dir string

	cmd      *exec.Cmd
	output   *Output
	pipes    []io.Closer
	logger   *zap.Logger
	sink     Sink
	detached bool

	state    atomic.Int32
	exitCode atomic.Int32
	done     chan struct{}

	// callMu serialises execution-mode calls
	// callMu 串行化执行模式调用
	callMu      sync.Mutex
	releaseOnce sync.Once
}

// Start spawns a child from the given arguments.
// Start 根据给定参数启动子进程。
// Arguments are stringified with fmt.Sprint.
// 参数通过 fmt.Sprint 转换为字符串。
func Start(opts *Options, args ...any) (*Process, error) {
	if opts == nil {
		opts = &Options{}
	}
	if len(args) == 0 {
		return nil, ErrEmptyArgs
	}
	if opts.CaptureOutput && (opts.Stdout != nil || opts.Stderr != nil) {
		return nil, ErrCaptureConflict
	}

	argv := make([]string, len(args))
	for i, arg := range args {
		argv[i] = fmt.Sprint(arg)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = logger
	}

	dir, err := resolveDir(opts)
	if err != nil {
		return nil, &SpawnError{Args: argv, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(opts.Env, opts.AppendEnv)
	cmd.Stdin = opts.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if opts.Detached {
		setProcGroupAttr(cmd)
	}

	p := &Process{
		ID:       uuid.NewString(),
		Args:     argv,
		Dir:      dir,
		cmd:      cmd,
		logger:   logger,
		sink:     sink,
		detached: opts.Detached,
		done:     make(chan struct{}),
	}
	p.state.Store(int32(StateSpawned))
	p.exitCode.Store(-1)

	var outR, errR, outW, errW *os.File
	if opts.CaptureOutput {
		// Own the pipes instead of using StdoutPipe, so reaping the child
		// never closes a read end that still holds unread lines.
		// 自行创建管道而不使用 StdoutPipe，这样回收子进程时不会关闭仍有未读数据的读端。
		if outR, outW, err = os.Pipe(); err != nil {
			return nil, &SpawnError{Args: argv, Err: err}
		}
		if errR, errW, err = os.Pipe(); err != nil {
			closeAll(outR, outW)
			return nil, &SpawnError{Args: argv, Err: err}
		}
		cmd.Stdout = outW
		cmd.Stderr = errW
		p.pipes = []io.Closer{outR, errR}
	} else {
		cmd.Stdout = opts.Stdout
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
		cmd.Stderr = opts.Stderr
		if cmd.Stderr == nil {
			cmd.Stderr = os.Stderr
		}
	}

	logger.Debug("exec cmdline",
		zap.String("id", p.ID),
		zap.String("cmdline", Cmdline(argv)),
		zap.String("dir", dir),
	)

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, &SpawnError{Args: argv, Err: err}
	}

	// The child holds its own copies of the write ends.
	// 子进程持有写端的副本。
	closeAll(outW, errW)

	p.state.Store(int32(StateRunning))
	go p.waitLoop()

	if opts.CaptureOutput {
		p.output = newOutput(outR, errR, logger)
	} else {
		p.output = newOutput(nil, nil, logger)
	}

	return p, nil
}

// Exec starts a child with captured output and runs it to completion.
// Exec 以捕获输出的方式启动子进程并运行至结束。
func Exec(opts *Options, t *Timeout, args ...any) (*Process, *RunResult, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.CaptureOutput = true

	p, err := Start(&o, args...)
	if err != nil {
		return nil, nil, err
	}
	result, err := p.Collect(t, false, false)
	return p, result, err
}

// waitLoop reaps the child and records how it ended.
// waitLoop 回收子进程并记录其结束方式。
func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = exitCodeOf(p.cmd.ProcessState)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.logger.Debug("wait process error", zap.String("id", p.ID), zap.Error(err))
	}

	p.exitCode.Store(int32(code))
	p.state.CompareAndSwap(int32(StateRunning), int32(StateCompleted))
	close(p.done)
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// ExitCode returns the exit code, or -1 while the child is running.
// ExitCode 返回退出码，子进程运行中时返回 -1。
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// Done returns a channel that is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Output returns the line multiplexer of the captured streams.
func (p *Process) Output() *Output {
	return p.output
}

// Poll returns the exit code and true if the child has exited.
// Poll 在子进程已退出时返回退出码和 true。
func (p *Process) Poll() (int, bool) {
	select {
	case <-p.done:
		return p.ExitCode(), true
	default:
		return 0, false
	}
}

// Wait blocks until the child exits or t elapses. It never kills.
// Wait 阻塞直到子进程退出或 t 耗尽，不会终止子进程。
func (p *Process) Wait(t *Timeout) (int, error) {
	select {
	case <-p.done:
		return p.ExitCode(), nil
	case <-t.After():
		if code, exited := p.Poll(); exited {
			return code, nil
		}
		return 0, &TimeoutError{Args: p.Args, Timeout: t}
	}
}

// Kill terminates the child. It is a no-op once the child has exited.
// Kill 终止子进程；子进程已退出时为空操作。
func (p *Process) Kill() error {
	if _, exited := p.Poll(); exited {
		return nil
	}
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateKilled)) {
		return nil
	}

	err := killProcess(p.cmd.Process, p.detached)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", p.Pid(), err)
	}
	return nil
}

// Release closes the read ends of the captured pipes.
// Release 关闭捕获管道的读端。
func (p *Process) Release() {
	p.releaseOnce.Do(func() {
		for _, c := range p.pipes {
			_ = c.Close()
		}
	})
}

// Call waits for the child to exit and returns its exit code.
// Call 等待子进程退出并返回退出码。
// If t elapses first the child is killed and a *TimeoutError is returned.
// 若 t 先耗尽，则终止子进程并返回 *TimeoutError。
func (p *Process) Call(t *Timeout) (int, error) {
	if !p.callMu.TryLock() {
		return 0, ErrConcurrentCall
	}
	defer p.callMu.Unlock()
	defer p.Release()

	code, err := p.Wait(t)
	if err != nil {
		p.killAndReap()
		return 0, err
	}
	return code, nil
}

// CheckCall is Call plus a *ExitError for non-zero exit codes.
// CheckCall 在 Call 的基础上对非零退出码返回 *ExitError。
func (p *Process) CheckCall(t *Timeout) (int, error) {
	if !p.callMu.TryLock() {
		return 0, ErrConcurrentCall
	}
	defer p.callMu.Unlock()
	defer p.Release()

	code, err := p.Wait(t)
	if err != nil {
		p.killAndReap()
		return 0, err
	}
	if code != 0 {
		return code, &ExitError{Code: code, Args: p.Args}
	}
	return code, nil
}

// CallAsDaemon waits briefly and treats a child that is still running as success.
// CallAsDaemon 短暂等待，子进程仍在运行时视为成功。
// The wait is the remaining budget of t, or DefaultDaemonGrace when t is
// unbounded or has no time left. The child is never killed.
// 等待时间为 t 的剩余预算；t 无限制或已无剩余时间时使用 DefaultDaemonGrace。不会终止子进程。
func (p *Process) CallAsDaemon(t *Timeout) (int, error) {
	if !p.callMu.TryLock() {
		return 0, ErrConcurrentCall
	}
	defer p.callMu.Unlock()

	grace, bounded := t.Remaining()
	if !bounded || grace <= 0 {
		grace = DefaultDaemonGrace
	}

	code, err := p.Wait(NewTimeout(grace))
	if errors.Is(err, ErrWaitTimeout) {
		p.logger.Debug("process left running in background",
			zap.String("id", p.ID),
			zap.Int("pid", p.Pid()),
		)
		return 0, nil
	}
	return code, err
}

// Run collects the child's output until both streams end or t elapses.
// Run 收集子进程输出，直到两个流都结束或 t 耗尽。
//
// A child that already exited before the call yields an empty result right away,
// whatever was captured; use Collect to read the output of a finished child.
// Each stdout line is forwarded to the sink's Info and each stderr line to its
// Error when the matching log flag is set. Without captured streams Run only
// waits for the child, and a timeout is not an error.
// 调用前子进程已退出时立即返回空结果，无论是否捕获了输出；读取已结束子进程的输出请使用 Collect。
// 设置对应的日志标志时，stdout 每行转发到 Sink 的 Info，stderr 每行转发到 Error。
// 未捕获输出时 Run 只等待子进程，超时不视为错误。
func (p *Process) Run(t *Timeout, logStdout, logStderr bool) (*RunResult, error) {
	if !p.callMu.TryLock() {
		return nil, ErrConcurrentCall
	}
	defer p.callMu.Unlock()

	if _, exited := p.Poll(); exited {
		return &RunResult{}, nil
	}

	if !p.output.Captured() {
		if _, err := p.Wait(t); err != nil {
			p.logger.Debug("run wait timed out", zap.String("id", p.ID), zap.Stringer("timeout", t))
		}
		return &RunResult{}, nil
	}
	return p.collect(t, logStdout, logStderr), nil
}

// Collect is Run without the exited check: the captured streams are drained
// even if the child finished before the call.
// Collect 与 Run 相同但不检查是否已退出：即使子进程在调用前已结束，也会读取捕获的流。
func (p *Process) Collect(t *Timeout, logStdout, logStderr bool) (*RunResult, error) {
	if !p.callMu.TryLock() {
		return nil, ErrConcurrentCall
	}
	defer p.callMu.Unlock()

	if !p.output.Captured() {
		if _, err := p.Wait(t); err != nil {
			p.logger.Debug("collect wait timed out", zap.String("id", p.ID), zap.Stringer("timeout", t))
		}
		return &RunResult{}, nil
	}
	return p.collect(t, logStdout, logStderr), nil
}

func (p *Process) collect(t *Timeout, logStdout, logStderr bool) *RunResult {
	result := &RunResult{}
	for tag, data := range p.output.Lines(t) {
		switch tag {
		case TagStdout:
			result.Stdout = append(result.Stdout, data...)
			if logStdout {
				forwardLine(p.sink.Info, data)
			}
		case TagStderr:
			result.Stderr = append(result.Stderr, data...)
			if logStderr {
				forwardLine(p.sink.Error, data)
			}
		}
	}
	result.Truncated = p.output.Truncated()
	return result
}

// killAndReap kills the child and waits for the reaper so no zombie is left behind.
// killAndReap 终止子进程并等待回收，避免留下僵尸进程。
func (p *Process) killAndReap() {
	if err := p.Kill(); err != nil {
		p.logger.Error("kill process failed", zap.String("id", p.ID), zap.Error(err))
	}
	select {
	case <-p.done:
	case <-time.After(killReapTimeout):
		p.logger.Error("process not reaped after kill",
			zap.String("id", p.ID),
			zap.Int("pid", p.Pid()),
		)
	}
}

func forwardLine(log func(string, ...zap.Field), data []byte) {
	line := strings.TrimRightFunc(strings.ToValidUTF8(string(data), ""), unicode.IsSpace)
	if line != "" {
		log(line)
	}
}

// resolveDir picks the working directory, falling back to a temp dir when the
// current directory no longer exists.
// resolveDir 选择工作目录；当前目录不存在时回退到临时目录。
func resolveDir(opts *Options) (string, error) {
	if opts.Dir != "" {
		return opts.Dir, nil
	}
	if wd, err := os.Getwd(); err == nil {
		return wd, nil
	}

	dir := opts.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

// mergeEnv applies overrides on top of base. nil base means the parent's environment.
// mergeEnv 将覆盖项应用到基础环境之上；base 为 nil 时使用父进程环境。
func mergeEnv(base []string, overrides map[string]string) []string {
	if base == nil && len(overrides) == 0 {
		return nil
	}
	if base == nil {
		base = os.Environ()
	}

	env := make([]string, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			env[i] = kv
			continue
		}
		index[key] = len(env)
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		kv := k + "=" + overrides[k]
		if i, ok := index[k]; ok {
			env[i] = kv
			continue
		}
		index[k] = len(env)
		env = append(env, kv)
	}
	return env
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
