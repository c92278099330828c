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

// Package process supervises batch workloads launched as child processes.
// process 包负责监管以子进程方式启动的批处理工作负载。
//
// This package provides:
// 此包提供：
// - Workload spawn, kill and kill-all / 工作负载的启动、终止与全部终止
// - Periodic resource sampling per workload / 按工作负载周期性采样资源
// - Lifecycle events delivered to subscribers / 向订阅者投递生命周期事件
package process

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

// Common errors for workload supervision
// 工作负载监管的常见错误
var (
	// ErrWorkloadNotFound indicates no live workload has the given id
	// ErrWorkloadNotFound 表示没有该 ID 的存活工作负载
	ErrWorkloadNotFound = errors.New("workload not found")

	// ErrLaunchFailed indicates the OS could not start the workload
	// ErrLaunchFailed 表示操作系统无法启动工作负载
	ErrLaunchFailed = errors.New("workload failed to launch")

	// ErrWaitFailed indicates the OS reported an error instead of an exit status
	// ErrWaitFailed 表示操作系统返回了错误而不是退出状态
	ErrWaitFailed = errors.New("workload wait failed")

	// ErrStatsUnsupported indicates resource sampling is not available on this OS
	// ErrStatsUnsupported 表示当前操作系统不支持资源采样
	ErrStatsUnsupported = errors.New("resource sampling not supported on this platform")
)

// State represents the lifecycle state of a workload
// State 表示工作负载的生命周期状态
type State string

const (
	// StateRunning indicates the workload is alive
	// StateRunning 表示工作负载存活
	StateRunning State = "running"

	// StateExited indicates the OS reported an exit status
	// StateExited 表示操作系统报告了退出状态
	StateExited State = "exited"

	// StateErrored indicates the OS reported an error
	// StateErrored 表示操作系统报告了错误
	StateErrored State = "errored"
)

// Terminal reports whether no further transitions can happen
// Terminal 表示是否不会再发生状态迁移
func (s State) Terminal() bool {
	return s == StateExited || s == StateErrored
}

// Stats is one resource-usage sample of a workload
// Stats 是工作负载的一次资源使用采样
type Stats struct {
	// CPU is the percentage of one CPU used since the previous sample
	// CPU 是自上次采样以来占用单个 CPU 的百分比
	CPU float64 `json:"cpu"`

	// Memory is the resident set size in bytes
	// Memory 是常驻内存大小（字节）
	Memory int64 `json:"memory"`

	// CTime is the cumulative user+system CPU time in milliseconds
	// CTime 是累计用户态加内核态 CPU 时间（毫秒）
	CTime int64 `json:"ctime"`

	// Elapsed is the wall-clock time since process start in milliseconds
	// Elapsed 是进程启动以来的墙钟时间（毫秒）
	Elapsed int64 `json:"elapsed"`

	// Timestamp is the sample time in unix milliseconds
	// Timestamp 是采样时间（unix 毫秒）
	Timestamp int64 `json:"timestamp"`

	PID  int `json:"pid"`
	PPID int `json:"ppid"`
}

// Snapshot is the serialization-safe view of a workload
// Snapshot 是工作负载可安全序列化的视图
type Snapshot struct {
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Args      []string   `json:"args,omitempty"`
	State     State      `json:"state"`
	Exited    bool       `json:"exited"`
	Killed    bool       `json:"killed"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Stats     *Stats     `json:"stats,omitempty"`
}

// Workload is one supervised child process
// Workload 是一个受监管的子进程
type Workload struct {
	pid     int
	command string
	args    []string

	// cmd is owned by the supervisor, nothing else signals or waits on it
	// cmd 归监管器所有，其他组件不得向其发信号或等待
	cmd *exec.Cmd

	mu            sync.RWMutex
	state         State
	killRequested bool
	startedAt     time.Time
	endedAt       time.Time
	exitCode      *int
	lastStats     *Stats

	// inbox carries kill requests to the owner goroutine
	// inbox 将终止请求传递给所属 goroutine
	inbox chan notification

	// exitCh receives the single wait result
	// exitCh 接收唯一一次等待结果
	exitCh chan exitResult

	// done is closed after the terminal event has been emitted
	// done 在终止事件发出后关闭
	done chan struct{}
}

// exitResult is what cmd.Wait reported
// exitResult 是 cmd.Wait 返回的结果
type exitResult struct {
	err error
}

func newWorkload(command string, args []string) *Workload {
	return &Workload{
		command:   command,
		args:      append([]string(nil), args...),
		state:     StateRunning,
		startedAt: time.Now(),
		inbox:     make(chan notification, 4),
		exitCh:    make(chan exitResult, 1),
		done:      make(chan struct{}),
	}
}

// PID returns the OS process id
// PID 返回操作系统进程 ID
func (w *Workload) PID() int {
	return w.pid
}

// Done is closed once the workload reached a terminal state and its event was delivered
// Done 在工作负载进入终止状态且事件投递完成后关闭
func (w *Workload) Done() <-chan struct{} {
	return w.done
}

// Snapshot returns a copy safe to serialize
// Snapshot 返回可安全序列化的副本
func (w *Workload) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := Snapshot{
		PID:       w.pid,
		Command:   w.command,
		Args:      append([]string(nil), w.args...),
		State:     w.state,
		Exited:    w.state.Terminal(),
		Killed:    w.killRequested,
		StartedAt: w.startedAt,
	}
	if !w.endedAt.IsZero() {
		ended := w.endedAt
		snap.EndedAt = &ended
	}
	if w.exitCode != nil {
		code := *w.exitCode
		snap.ExitCode = &code
	}
	if w.lastStats != nil {
		stats := *w.lastStats
		snap.Stats = &stats
	}
	return snap
}

func (w *Workload) stats() *Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastStats == nil {
		return nil
	}
	stats := *w.lastStats
	return &stats
}

func (w *Workload) setStats(stats *Stats) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastStats = stats
}

// setState records the outcome of a transition
// setState 记录状态迁移的结果
func (w *Workload) setState(st workloadState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = st.State
	w.killRequested = st.KillRequested
	if st.State.Terminal() && w.endedAt.IsZero() {
		w.endedAt = time.Now()
	}
}

func (w *Workload) setExitCode(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exitCode = &code
}
