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

// Package dispatcher wires the supervisor, the control channel and the local
// surface together and owns the agent lifecycle.
// dispatcher 包将监管器、控制通道与本地接口组装在一起，并负责 Agent 的生命周期。
//
// Startup sequence / 启动顺序:
// 1. Attached: connect the control channel, start the local surface on the first push
// 1. 附着模式：连接控制通道，收到第一次推送后启动本地接口
// 2. Unattached: start the local surface immediately
// 2. 非附着模式：立即启动本地接口
//
// Shutdown runs exactly once / 关闭流程只执行一次:
// local surface -> control channel -> workloads -> tracing
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/seatunnel/batch-dispatcher/internal/api"
	"github.com/seatunnel/batch-dispatcher/internal/channel"
	"github.com/seatunnel/batch-dispatcher/internal/config"
	"github.com/seatunnel/batch-dispatcher/internal/db"
	"github.com/seatunnel/batch-dispatcher/internal/metrics"
	"github.com/seatunnel/batch-dispatcher/internal/process"
	"github.com/seatunnel/batch-dispatcher/internal/remote"
	"github.com/seatunnel/batch-dispatcher/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ExitSignals trigger the shutdown
// ExitSignals 触发关闭流程
var ExitSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

// Operating modes reported by Health
// Health 报告的运行模式
const (
	ModeAttached   = "attached"
	ModeUnattached = "unattached"
)

// probeTimeout bounds the connectivity probe of a pushed database
// probeTimeout 限制推送数据库连通性探测的时长
const probeTimeout = 10 * time.Second

// shutdownGrace is added to the graceful timeout for the whole shutdown
// shutdownGrace 是整个关闭流程在优雅超时之外额外允许的时间
const shutdownGrace = 5 * time.Second

// ErrShuttingDown indicates the dispatcher is already shutting down
// ErrShuttingDown 表示调度器已在关闭中
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// ClientFactory creates the control channel client
// ClientFactory 创建控制通道客户端
type ClientFactory func(cfg config.CoordinatorConfig, identity channel.IdentityFunc, logger *zap.Logger) (channel.Client, error)

// Option customizes a Dispatcher
// Option 用于定制 Dispatcher
type Option func(*Dispatcher)

// WithClientFactory replaces channel.New
// WithClientFactory 替换 channel.New
func WithClientFactory(f ClientFactory) Option {
	return func(d *Dispatcher) { d.newClient = f }
}

// WithSampler replaces the /proc sampler
// WithSampler 替换 /proc 采样器
func WithSampler(s process.Sampler) Option {
	return func(d *Dispatcher) { d.sampler = s }
}

// WithSignals replaces ExitSignals
// WithSignals 替换 ExitSignals
func WithSignals(sigs ...os.Signal) Option {
	return func(d *Dispatcher) { d.signals = sigs }
}

// WithTracing sets the tracer provider flushed on shutdown
// WithTracing 设置关闭时需要刷新的追踪提供者
func WithTracing(p *tracing.Provider) Option {
	return func(d *Dispatcher) { d.tracer = p }
}

// Dispatcher is the agent: it owns the supervisor, the control channel
// client and the local surface.
// Dispatcher 即 Agent 本身：持有监管器、控制通道客户端与本地接口。
type Dispatcher struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *remote.Store
	supervisor *process.Supervisor
	client     channel.Client
	api        *api.Server
	metrics    *metrics.Metrics
	tracer     *tracing.Provider

	newClient ClientFactory
	sampler   process.Sampler
	signals   []os.Signal

	// ready is closed once the local surface may serve requests
	// ready 在本地接口可以提供服务时关闭
	gateOnce sync.Once
	ready    chan struct{}
	gateErr  error

	closing     atomic.Bool
	done        chan struct{}
	shutdownErr error

	// probeMu orders probes.Add against the Wait in Shutdown
	// probeMu 保证 probes.Add 与 Shutdown 中的 Wait 有序
	probeMu      sync.Mutex
	probesClosed bool
	probes       sync.WaitGroup
}

// New builds a dispatcher from cfg. Nothing is started before Run.
// New 根据 cfg 构建调度器，Run 之前不会启动任何组件。
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:       cfg,
		logger:    logger.Named("dispatcher"),
		store:     remote.NewStore(remote.FromLocal(cfg)),
		metrics:   metrics.New(),
		tracer:    tracing.Noop(),
		newClient: channel.New,
		signals:   ExitSignals,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	// Step 1: Supervisor / 步骤 1：监管器
	d.supervisor = process.NewSupervisor(process.Options{
		TrackStats:         cfg.Workload.TrackStats,
		TrackStatsInterval: cfg.Workload.TrackStatsInterval,
		GracefulTimeout:    cfg.Workload.GracefulTimeout,
		Environ:            func() []string { return db.WorkloadEnv(d.store.Current()) },
	}, logger.Named("supervisor"))
	if d.sampler != nil {
		d.supervisor.SetSampler(d.sampler)
	}
	d.supervisor.Subscribe(d.forward)
	d.metrics.RegisterLiveWorkloads(d.supervisor.Count)

	// Step 2: Control channel (attached mode only) / 步骤 2：控制通道（仅附着模式）
	if !cfg.Agent.Unattached {
		client, err := d.newClient(cfg.Coordinator, d.identity, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create control channel: %w", err)
		}
		client.OnConfigPush(d.applyPush)
		d.client = client
		d.metrics.RegisterFrames(func() (uint64, uint64) {
			c := client.Counters()
			return c.Sent, c.Dropped
		})
	}

	// Step 3: Local surface / 步骤 3：本地接口
	if cfg.API.Enabled {
		d.api = api.NewServer(cfg.API, d, d.metrics.Handler(), cfg.Telemetry.ServiceName, logger)
	}

	return d, nil
}

// Run starts the dispatcher and blocks until ctx is done or an exit signal
// arrives, then shuts down and returns the shutdown error.
// Run 启动调度器并阻塞直到 ctx 结束或收到退出信号，随后执行关闭并返回关闭错误。
func (d *Dispatcher) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, d.signals...)
	defer stop()

	if err := d.start(sigCtx); err != nil {
		_ = d.shutdownWithTimeout()
		return err
	}

	select {
	case <-sigCtx.Done():
		d.logger.Info("Shutting down / 正在关闭", zap.NamedError("cause", context.Cause(sigCtx)))
	case <-d.done:
	}

	return d.shutdownWithTimeout()
}

// shutdownWithTimeout leaves workloads their graceful timeout plus some slack
// shutdownWithTimeout 为工作负载保留优雅超时并额外留出余量
func (d *Dispatcher) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Workload.GracefulTimeout+shutdownGrace)
	defer cancel()
	return d.Shutdown(ctx)
}

// start connects the control channel or, in unattached mode, opens the gate
// start 连接控制通道，或在非附着模式下直接打开闸门
func (d *Dispatcher) start(ctx context.Context) error {
	if d.client == nil {
		d.logger.Info("Loading in unattached mode / 以非附着模式加载")
		return d.openGate()
	}

	d.logger.Info("Loading in attached mode / 以附着模式加载",
		zap.String("coordinator", d.cfg.Coordinator.URL),
		zap.String("agent_type", d.cfg.Agent.Type),
		zap.String("agent_id", d.identity().AgentID))
	if err := d.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start control channel: %w", err)
	}
	return nil
}

// openGate starts the local surface once
// openGate 只启动一次本地接口
func (d *Dispatcher) openGate() error {
	d.gateOnce.Do(func() {
		defer close(d.ready)
		if d.api == nil || d.closing.Load() {
			return
		}
		if err := d.api.Start(); err != nil && !errors.Is(err, api.ErrServerClosed) {
			d.gateErr = err
			d.logger.Error("Failed to start local surface / 启动本地接口失败", zap.Error(err))
		}
	})
	return d.gateErr
}

// identity is announced on every (re)connect; a pushed agent id wins over the local one
// identity 在每次（重新）连接时声明，推送的 Agent ID 优先于本地 ID
func (d *Dispatcher) identity() channel.Identity {
	id := d.store.AgentID()
	if id == "" {
		id = d.cfg.Agent.ID
	}
	return channel.Identity{AgentType: d.cfg.Agent.Type, AgentID: id}
}

// forward sends a supervisor event to the coordinator
// forward 将监管器事件发送给协调器
func (d *Dispatcher) forward(e process.Event) {
	d.metrics.ObserveEvent(string(e.Type))
	if d.client == nil {
		return
	}

	out, err := channel.NewOutboundEvent(d.identity(), e)
	if err != nil {
		d.logger.Warn("Dropping unknown event / 丢弃未知事件", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	if err := d.client.Send(d.cfg.Coordinator.Channel, out); err != nil {
		d.logger.Debug("Failed to send event / 发送事件失败",
			zap.String("type", string(e.Type)),
			zap.Int("pid", e.Workload.PID),
			zap.Error(err))
	}
}

// applyPush replaces the remote configuration and opens the gate
// applyPush 替换远程配置并打开闸门
func (d *Dispatcher) applyPush(push channel.ConfigPush) {
	_, span := d.tracer.Start(context.Background(), "dispatcher.config_push")
	defer span.End()

	version := d.store.Replace(push)
	span.SetAttributes(attribute.Int64("config.version", int64(version)))
	d.logger.Info("Coordinator info loaded / 已加载协调器信息",
		zap.Uint64("version", version),
		zap.Stringer("config", push))

	if err := d.openGate(); err != nil {
		span.RecordError(err)
	}

	if !d.cfg.Database.ProbeOnPush || push.DatabaseConnection.Type == "" || d.closing.Load() || !d.addProbe() {
		d.metrics.ObservePush(version, nil)
		return
	}

	go func() {
		defer d.probes.Done()
		d.metrics.ObservePush(version, d.probe(push.DatabaseConnection, span.SpanContext()))
	}()
}

// addProbe registers a probe unless the shutdown already waits for them
// addProbe 在关闭流程尚未等待探测时登记一次探测
func (d *Dispatcher) addProbe() bool {
	d.probeMu.Lock()
	defer d.probeMu.Unlock()
	if d.probesClosed {
		return false
	}
	d.probes.Add(1)
	return true
}

// waitProbes refuses new probes and waits for the running ones
// waitProbes 拒绝新的探测并等待正在运行的探测
func (d *Dispatcher) waitProbes() {
	d.probeMu.Lock()
	d.probesClosed = true
	d.probeMu.Unlock()
	d.probes.Wait()
}

// probe checks the pushed database connection
// probe 检查推送的数据库连接
func (d *Dispatcher) probe(conn remote.DatabaseConnection, parent trace.SpanContext) error {
	ctx := trace.ContextWithSpanContext(context.Background(), parent)
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "dispatcher.database_probe")
	defer span.End()

	if err := db.Probe(ctx, conn); err != nil {
		span.RecordError(err)
		d.logger.Warn("Pushed database is unreachable / 推送的数据库不可达",
			zap.String("type", conn.Type),
			zap.String("host", conn.URL),
			zap.Int("port", conn.Port),
			zap.Error(err))
		return err
	}
	d.logger.Info("Pushed database is reachable / 推送的数据库可达",
		zap.String("type", conn.Type),
		zap.String("host", conn.URL))
	return nil
}

// Shutdown stops the dispatcher exactly once. Concurrent and later callers
// wait for the first shutdown and get its result.
// Shutdown 只执行一次关闭，并发或后续调用方等待第一次关闭完成并获得其结果。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.closing.CompareAndSwap(false, true) {
		select {
		case <-d.done:
			return d.shutdownErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(d.done)

	var errs []error

	// Step 1: Local surface / 步骤 1：本地接口
	if d.api != nil {
		if err := d.api.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// Step 2: Control channel / 步骤 2：控制通道
	if d.client != nil {
		if err := d.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close control channel: %w", err))
		}
	}

	// Step 3: Workloads / 步骤 3：工作负载
	if err := d.supervisor.KillAll(ctx); err != nil {
		errs = append(errs, err)
	}
	d.waitProbes()

	// Step 4: Tracing / 步骤 4：追踪
	if err := d.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
	}

	d.shutdownErr = errors.Join(errs...)
	if d.shutdownErr != nil {
		d.logger.Error("Shutdown finished with errors / 关闭完成但存在错误", zap.Error(d.shutdownErr))
	} else {
		d.logger.Info("All processes terminated / 所有进程已终止")
	}
	return d.shutdownErr
}

// Ready is closed once the local surface was started (or skipped)
// Ready 在本地接口启动（或被跳过）后关闭
func (d *Dispatcher) Ready() <-chan struct{} {
	return d.ready
}

// Done is closed when the shutdown completed
// Done 在关闭完成后关闭
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Store returns the remote configuration store
// Store 返回远程配置存储
func (d *Dispatcher) Store() *remote.Store {
	return d.store
}

// Supervisor returns the process supervisor
// Supervisor 返回进程监管器
func (d *Dispatcher) Supervisor() *process.Supervisor {
	return d.supervisor
}

// APIAddr returns the bound address of the local surface, empty when not serving
// APIAddr 返回本地接口绑定的地址，未提供服务时为空
func (d *Dispatcher) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.Addr()
}

// Launch implements api.Backend
// Launch 实现 api.Backend 接口
func (d *Dispatcher) Launch() *process.Snapshot {
	if d.closing.Load() {
		snap := &process.Snapshot{Command: d.cfg.Workload.LaunchCommand, Args: d.cfg.Workload.LaunchArgs(), State: process.StateErrored}
		d.logger.Warn("Refusing launch during shutdown / 关闭期间拒绝启动", zap.Error(ErrShuttingDown))
		return snap
	}

	_, span := d.tracer.Start(context.Background(), "dispatcher.launch")
	defer span.End()

	snap := d.supervisor.Spawn(d.cfg.Workload.LaunchCommand, d.cfg.Workload.LaunchArgs()...)
	span.SetAttributes(
		attribute.Int("workload.pid", snap.PID),
		attribute.String("workload.state", string(snap.State)),
	)
	return snap
}

// QueryStats implements api.Backend
// QueryStats 实现 api.Backend 接口
func (d *Dispatcher) QueryStats(ctx context.Context, id int) (*process.Stats, error) {
	return d.supervisor.QueryStats(ctx, id)
}

// Kill implements api.Backend
// Kill 实现 api.Backend 接口
func (d *Dispatcher) Kill(ctx context.Context, id int) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.kill", trace.WithAttributes(attribute.Int("workload.pid", id)))
	defer span.End()
	return d.supervisor.Kill(ctx, id)
}

// Health implements api.Backend
// Health 实现 api.Backend 接口
func (d *Dispatcher) Health() api.Health {
	h := api.Health{
		Status:        "ok",
		Mode:          ModeUnattached,
		AgentID:       d.identity().AgentID,
		LiveWorkloads: d.supervisor.Count(),
		ConfigVersion: d.store.Version(),
	}
	if d.client != nil {
		h.Mode = ModeAttached
		h.Connection = string(d.client.State())
	}
	if d.closing.Load() {
		h.Status = "shutting_down"
	}
	return h
}
