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

package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Default supervision settings
// 默认监管设置
const (
	DefaultTrackStatsInterval = 5 * time.Second
	DefaultGracefulTimeout    = 30 * time.Second
)

// Options configures a Supervisor
// Options 配置 Supervisor
type Options struct {
	// TrackStats enables periodic sampling for every workload
	// TrackStats 为每个工作负载启用周期采样
	TrackStats bool

	// TrackStatsInterval is the period between samples
	// TrackStatsInterval 是采样间隔
	TrackStatsInterval time.Duration

	// GracefulTimeout is how long a killed workload gets before SIGKILL
	// GracefulTimeout 是终止请求后升级为 SIGKILL 之前的等待时间
	GracefulTimeout time.Duration

	// Environ returns extra KEY=VALUE pairs appended to the agent environment at spawn time
	// Environ 返回在启动时追加到 Agent 环境变量后的 KEY=VALUE 对
	Environ func() []string
}

// Supervisor launches workloads and owns them until they end.
// Each workload is driven by one goroutine that alone mutates its state.
// Supervisor 启动工作负载并在其结束前持有它们，每个工作负载由唯一的 goroutine 驱动并修改状态。
type Supervisor struct {
	opts    Options
	sampler Sampler
	logger  *zap.Logger

	mu   sync.RWMutex
	live map[int]*Workload

	handlersMu sync.RWMutex
	handlers   []EventHandler

	wg sync.WaitGroup
}

// NewSupervisor creates a new Supervisor
// NewSupervisor 创建新的 Supervisor
func NewSupervisor(opts Options, logger *zap.Logger) *Supervisor {
	if opts.TrackStatsInterval <= 0 {
		opts.TrackStatsInterval = DefaultTrackStatsInterval
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = DefaultGracefulTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		opts:    opts,
		sampler: DefaultSampler(),
		logger:  logger,
		live:    make(map[int]*Workload),
	}
}

// SetSampler replaces the resource sampler
// SetSampler 替换资源采样器
func (s *Supervisor) SetSampler(sampler Sampler) {
	s.sampler = sampler
}

// Spawn launches command with args and returns its snapshot.
// A launch failure is reported through a batch_error event and an errored snapshot with pid 0.
// Spawn 使用 args 启动 command 并返回快照，启动失败通过 batch_error 事件和 pid 为 0 的错误快照报告。
func (s *Supervisor) Spawn(command string, args ...string) *Snapshot {
	w := newWorkload(command, args)

	// Step 1: Build the command / 步骤 1：构建命令
	cmd := exec.Command(command, args...)
	setProcGroupAttr(cmd)
	cmd.Env = os.Environ()
	if s.opts.Environ != nil {
		cmd.Env = append(cmd.Env, s.opts.Environ()...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Step 2: Start the process / 步骤 2：启动进程
	if err := cmd.Start(); err != nil {
		w.setState(workloadState{State: StateErrored})
		snap := w.Snapshot()
		launchErr := fmt.Errorf("%w: %v", ErrLaunchFailed, err)

		s.logger.Error("Failed to launch workload / 启动工作负载失败",
			zap.String("command", command),
			zap.Strings("args", args),
			zap.Error(err))

		// Listeners attached right after Spawn returns still see the event
		// Spawn 返回后立即注册的监听器仍能收到该事件
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.emit(Event{Type: EventBatchError, Workload: snap, Err: launchErr, Time: time.Now()})
		}()
		return &snap
	}

	w.cmd = cmd
	w.pid = cmd.Process.Pid

	// Step 3: Register and hand over to the owner goroutine
	// 步骤 3：注册并交给所属 goroutine
	s.mu.Lock()
	s.live[w.pid] = w
	s.mu.Unlock()

	go func() {
		w.exitCh <- exitResult{err: cmd.Wait()}
	}()

	s.logger.Info("Workload started / 工作负载已启动",
		zap.Int("pid", w.pid),
		zap.String("command", command),
		zap.Strings("args", args))

	snap := w.Snapshot()
	s.wg.Add(1)
	go s.run(w)
	return &snap
}

// Kill requests termination of the workload with the given pid and waits
// until its terminal event was delivered or ctx is done.
// Unknown ids are ignored.
// Kill 请求终止指定 pid 的工作负载，并等待终止事件投递完成或 ctx 结束，未知 ID 将被忽略。
func (s *Supervisor) Kill(ctx context.Context, id int) error {
	w := s.lookup(id)
	if w == nil {
		return nil
	}

	select {
	case w.inbox <- notification{kind: notifyKill}:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KillAll kills every live workload concurrently and waits for all of them
// KillAll 并发终止所有存活工作负载并等待全部完成
func (s *Supervisor) KillAll(ctx context.Context) error {
	ids := s.ids()
	if len(ids) == 0 {
		return nil
	}

	s.logger.Info("Killing all workloads / 终止所有工作负载", zap.Ints("pids", ids))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Kill(ctx, id); err != nil {
				return fmt.Errorf("kill workload %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// QueryStats takes an on-demand sample of a live workload
// QueryStats 对存活工作负载进行一次按需采样
func (s *Supervisor) QueryStats(ctx context.Context, id int) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := s.lookup(id)
	if w == nil {
		return nil, fmt.Errorf("%w: %d", ErrWorkloadNotFound, id)
	}
	stats, err := s.sampler.Sample(w.pid, w.stats())
	if err != nil {
		// Reaped but not yet removed by its owner / 已被回收但尚未被所属 goroutine 移除
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH) {
			return nil, fmt.Errorf("%w: %d", ErrWorkloadNotFound, id)
		}
		return nil, err
	}
	return stats, nil
}

// Get returns the snapshot of a live workload
// Get 返回存活工作负载的快照
func (s *Supervisor) Get(id int) (Snapshot, bool) {
	w := s.lookup(id)
	if w == nil {
		return Snapshot{}, false
	}
	return w.Snapshot(), true
}

// List returns snapshots of every live workload ordered by pid
// List 返回按 pid 排序的所有存活工作负载快照
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	workloads := make([]*Workload, 0, len(s.live))
	for _, w := range s.live {
		workloads = append(workloads, w)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(workloads))
	for _, w := range workloads {
		snaps = append(snaps, w.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].PID < snaps[j].PID })
	return snaps
}

// Count returns the number of live workloads
// Count 返回存活工作负载数量
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Wait blocks until every owner goroutine and pending event delivery has finished
// Wait 阻塞直到所有所属 goroutine 与待投递事件完成
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) lookup(id int) *Workload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live[id]
}

func (s *Supervisor) ids() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// run is the owner goroutine of w
// run 是 w 的所属 goroutine
func (s *Supervisor) run(w *Workload) {
	defer s.wg.Done()
	defer close(w.done)

	o := &owner{
		s:     s,
		w:     w,
		state: workloadState{State: StateRunning, Polling: s.opts.TrackStats},
	}
	defer o.stopTimers()

	o.apply(notification{kind: notifyStarted})

	for !o.state.State.Terminal() {
		select {
		case res := <-w.exitCh:
			o.apply(exitNotification(res))

		case n := <-w.inbox:
			if o.drainExit() {
				continue
			}
			o.apply(n)

		case <-o.pollC:
			o.pollC = nil
			// An exit that raced the timer wins over the sample
			// 与定时器竞争的退出优先于采样
			if o.drainExit() {
				continue
			}
			stats, err := s.sampler.Sample(w.pid, w.stats())
			if err != nil {
				o.apply(notification{kind: notifySampleFailed, err: err})
			} else {
				o.apply(notification{kind: notifySample, stats: stats})
			}

		case <-o.killC:
			o.killC = nil
			if o.drainExit() {
				continue
			}
			o.apply(notification{kind: notifyKillTimeout})
		}
	}
}

// owner holds the timers and state of one running workload
// owner 持有一个运行中工作负载的定时器与状态
type owner struct {
	s     *Supervisor
	w     *Workload
	state workloadState

	pollTimer *time.Timer
	pollC     <-chan time.Time
	killTimer *time.Timer
	killC     <-chan time.Time
}

// drainExit applies a pending exit without blocking and reports whether one was found
// drainExit 非阻塞地处理待处理的退出，并返回是否存在
func (o *owner) drainExit() bool {
	select {
	case res := <-o.w.exitCh:
		o.apply(exitNotification(res))
		return true
	default:
		return false
	}
}

func (o *owner) apply(n notification) {
	next, effects := transition(o.state, n)
	o.state = next
	o.w.setState(next)
	if !next.Polling {
		o.pollC = nil
	}

	for _, eff := range effects {
		switch eff.kind {
		case effectEmit:
			o.s.emit(Event{Type: eff.event, Workload: o.w.Snapshot(), Err: eff.err, Time: time.Now()})

		case effectSignal:
			if err := signalWorkload(o.w.cmd.Process, eff.signal); err != nil {
				o.s.logger.Warn("Failed to signal workload / 向工作负载发送信号失败",
					zap.Int("pid", o.w.pid),
					zap.String("signal", eff.signal.String()),
					zap.Error(err))
			}

		case effectArmKillTimer:
			o.killTimer = time.NewTimer(o.s.opts.GracefulTimeout)
			o.killC = o.killTimer.C

		case effectRecordExit:
			o.w.setExitCode(eff.exitCode)

		case effectRemove:
			o.s.mu.Lock()
			if o.s.live[o.w.pid] == o.w {
				delete(o.s.live, o.w.pid)
			}
			o.s.mu.Unlock()

		case effectStoreStats:
			o.w.setStats(eff.stats)

		case effectSchedulePoll:
			if o.pollTimer == nil {
				o.pollTimer = time.NewTimer(o.s.opts.TrackStatsInterval)
			} else {
				o.pollTimer.Reset(o.s.opts.TrackStatsInterval)
			}
			o.pollC = o.pollTimer.C
		}
	}

	if n.kind == notifyExited || n.kind == notifyFailed {
		o.s.logger.Info("Workload ended / 工作负载已结束",
			zap.Int("pid", o.w.pid),
			zap.String("state", string(next.State)),
			zap.Bool("killed", next.KillRequested),
			zap.Error(n.err))
	}
}

func (o *owner) stopTimers() {
	if o.pollTimer != nil {
		o.pollTimer.Stop()
	}
	if o.killTimer != nil {
		o.killTimer.Stop()
	}
}

// exitNotification classifies a wait result.
// Exit statuses, including death by signal, are exits; anything else is an OS error.
// exitNotification 对等待结果分类，退出状态（包括被信号终止）视为退出，其余为系统错误。
func exitNotification(res exitResult) notification {
	if res.err == nil {
		return notification{kind: notifyExited, exitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(res.err, &exitErr) {
		return notification{kind: notifyExited, exitCode: exitErr.ExitCode()}
	}
	return notification{kind: notifyFailed, err: fmt.Errorf("%w: %v", ErrWaitFailed, res.err)}
}
