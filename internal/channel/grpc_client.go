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

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/seatunnel/batch-dispatcher/internal/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Stream pacing defaults
// 流的节奏默认值
var (
	// streamRetryDelay is the pause before reopening a stream that failed on a healthy connection
	// streamRetryDelay 是连接正常但流失败时重新打开流之前的等待时间
	streamRetryDelay = time.Second

	// sendQueueSize bounds frames waiting for the writer
	// sendQueueSize 限制等待写入的帧数量
	sendQueueSize = 256
)

// outFrame is a frame bound to the stream generation it was accepted for
// outFrame 是绑定到其被接受时流代次的帧
type outFrame struct {
	gen   uint64
	frame *structpb.Struct
}

// grpcClient carries the control channel over one bidirectional gRPC stream
// grpcClient 通过一条双向 gRPC 流承载控制通道
type grpcClient struct {
	cfg      config.CoordinatorConfig
	target   string
	useTLS   bool
	identity IdentityFunc
	logger   *zap.Logger

	tracker  *connTracker
	pushes   *pushHandlers
	counters frameCounters

	// extraDialOptions are appended to the built options
	// extraDialOptions 追加到构建的选项之后
	extraDialOptions []grpc.DialOption

	mu      sync.Mutex
	conn    *grpc.ClientConn
	cancel  context.CancelFunc
	started bool
	closed  bool

	// streamMu guards the live stream and its generation
	// streamMu 保护当前存活的流及其代次
	streamMu sync.RWMutex
	stream   grpc.ClientStream
	gen      uint64
	nextGen  uint64

	sendQ chan outFrame
	wg    sync.WaitGroup
}

func newGRPCClient(cfg config.CoordinatorConfig, identity IdentityFunc, logger *zap.Logger) (*grpcClient, error) {
	target, impliedTLS, err := grpcTarget(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &grpcClient{
		cfg:      cfg,
		target:   target,
		useTLS:   impliedTLS || cfg.TLS.Enabled,
		identity: identity,
		logger:   logger.With(zap.String("transport", "grpc"), zap.String("target", target)),
		tracker:  newConnTracker(logger),
		pushes:   &pushHandlers{logger: logger},
		sendQ:    make(chan outFrame, sendQueueSize),
	}, nil
}

// Connect implements Client
// Connect 实现 Client 接口
func (c *grpcClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}

	opts, err := c.dialOptions()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(c.target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create coordinator connection: %w", err)
	}

	// The session outlives the caller's context but keeps its values
	// 会话的生命周期独立于调用方的 context，但保留其中的值
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.conn = conn
	c.cancel = cancel
	c.started = true

	conn.Connect()

	c.wg.Add(3)
	go c.watchState(runCtx)
	go c.streamLoop(runCtx)
	go c.writeLoop(runCtx)

	c.logger.Info("Connecting to coordinator / 正在连接协调器")
	return nil
}

// dialOptions creates the gRPC dial options
// dialOptions 创建 gRPC 连接选项
func (c *grpcClient) dialOptions() ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	// Configure TLS if enabled
	// 如果启用则配置 TLS
	if c.useTLS {
		tlsConfig, err := loadTLSConfig(c.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Add authentication token if provided
	// 如果提供则添加认证 token
	if c.cfg.Token != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&tokenAuth{token: c.cfg.Token, secure: c.useTLS}))
	}

	// Reconnect pacing is delegated to the transport
	// 重连节奏交由传输层处理
	bo := backoff.DefaultConfig
	if c.cfg.Backoff.BaseDelay > 0 {
		bo.BaseDelay = c.cfg.Backoff.BaseDelay
	}
	if c.cfg.Backoff.MaxDelay > 0 {
		bo.MaxDelay = c.cfg.Backoff.MaxDelay
	}
	if c.cfg.Backoff.Multiplier > 0 {
		bo.Multiplier = c.cfg.Backoff.Multiplier
	}
	opts = append(opts,
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: bo, MinConnectTimeout: 20 * time.Second}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	return append(opts, c.extraDialOptions...), nil
}

// tokenAuth implements grpc.PerRPCCredentials for token authentication
// tokenAuth 实现 grpc.PerRPCCredentials 用于 token 认证
type tokenAuth struct {
	token  string
	secure bool
}

func (t *tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"authorization": "Bearer " + t.token,
	}, nil
}

func (t *tokenAuth) RequireTransportSecurity() bool {
	return t.secure
}

// watchState follows the connectivity state and feeds the tracker
// watchState 跟踪连接状态并更新 tracker
func (c *grpcClient) watchState(ctx context.Context) {
	defer c.wg.Done()

	state := c.conn.GetState()
	for {
		switch state {
		case connectivity.Ready:
			c.tracker.connected()
		case connectivity.TransientFailure:
			c.tracker.failed(fmt.Errorf("coordinator %s unreachable", c.target))
		case connectivity.Idle, connectivity.Connecting:
			c.tracker.disconnected()
		case connectivity.Shutdown:
			c.tracker.disconnected()
			return
		}

		if !c.conn.WaitForStateChange(ctx, state) {
			return
		}
		state = c.conn.GetState()
	}
}

// streamLoop keeps one Connect stream open and dispatches incoming pushes
// streamLoop 保持一条 Connect 流并分发收到的推送
func (c *grpcClient) streamLoop(ctx context.Context) {
	defer c.wg.Done()

	failures := 0
	for ctx.Err() == nil {
		err := c.runStream(ctx)
		if ctx.Err() != nil {
			return
		}

		// Log the first failure of a series, the tracker covers transport outages
		// 只记录连续失败中的第一次，传输层中断由 tracker 记录
		if failures == 0 {
			c.logger.Warn("Control stream ended / 控制流已结束", zap.Error(err))
		} else {
			c.logger.Debug("Control stream ended / 控制流已结束", zap.Error(err))
		}
		failures++

		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRetryDelay):
		}
	}
}

// runStream opens a stream, serves it until it fails and returns the failure
// runStream 打开一条流并持续服务直到失败，返回失败原因
func (c *grpcClient) runStream(ctx context.Context) error {
	id := c.identity()
	streamCtx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx,
		MetadataAgentType, id.AgentType,
		MetadataAgentID, id.AgentID,
	))
	defer cancel()

	stream, err := c.conn.NewStream(streamCtx, &connectStreamDesc, ConnectMethod, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("failed to open control stream: %w", err)
	}

	gen := c.setStream(stream)
	defer c.clearStream(gen)

	for {
		frame := new(structpb.Struct)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("coordinator closed the stream")
			}
			return err
		}

		ch, data, err := decodeFrame(frame)
		if err != nil {
			c.logger.Warn("Ignoring malformed frame / 忽略格式错误的帧", zap.Error(err))
			continue
		}
		if ch != c.cfg.ConfigChannel {
			c.logger.Debug("Ignoring frame on unknown channel / 忽略未知通道的帧", zap.String("channel", ch))
			continue
		}
		c.pushes.dispatch(data)
	}
}

func (c *grpcClient) setStream(stream grpc.ClientStream) uint64 {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.nextGen++
	c.gen = c.nextGen
	c.stream = stream
	return c.gen
}

func (c *grpcClient) clearStream(gen uint64) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.gen == gen {
		c.gen = 0
		c.stream = nil
	}
}

func (c *grpcClient) liveStream() (grpc.ClientStream, uint64) {
	c.streamMu.RLock()
	defer c.streamMu.RUnlock()
	return c.stream, c.gen
}

// writeLoop is the only goroutine sending on the stream
// writeLoop 是唯一在流上发送的 goroutine
func (c *grpcClient) writeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.sendQ:
			stream, gen := c.liveStream()
			if stream == nil || gen != out.gen {
				// Accepted for a stream that is gone / 所属的流已不存在
				c.counters.dropped.Add(1)
				continue
			}
			if err := stream.SendMsg(out.frame); err != nil {
				c.counters.dropped.Add(1)
				c.logger.Debug("Failed to send frame / 发送帧失败", zap.Error(err))
				continue
			}
			c.counters.sent.Add(1)
		}
	}
}

// Send implements Client
// Send 实现 Client 接口
func (c *grpcClient) Send(channel string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	frame, err := encodeFrame(channel, data)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	_, gen := c.liveStream()
	if gen == 0 || c.tracker.current() != StateConnected {
		c.counters.dropped.Add(1)
		return nil
	}

	select {
	case c.sendQ <- outFrame{gen: gen, frame: frame}:
	default:
		c.counters.dropped.Add(1)
	}
	return nil
}

// OnConfigPush implements Client
// OnConfigPush 实现 Client 接口
func (c *grpcClient) OnConfigPush(handler PushHandler) {
	c.pushes.add(handler)
}

// State implements Client
// State 实现 Client 接口
func (c *grpcClient) State() ConnState {
	return c.tracker.current()
}

// Counters implements Client
// Counters 实现 Client 接口
func (c *grpcClient) Counters() Counters {
	return Counters{
		Sent:    c.counters.sent.Load(),
		Dropped: c.counters.dropped.Load(),
		Pushes:  c.pushes.count.Load(),
	}
}

// Close implements Client
// Close 实现 Client 接口
func (c *grpcClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pushes.clear()
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	c.tracker.disconnected()

	c.logger.Info("Control channel closed / 控制通道已关闭")
	return err
}
