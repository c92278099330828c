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
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/seatunnel/batch-dispatcher/internal/config"
	"go.uber.org/zap"
)

// PushSubject is the subject config pushes for agentType arrive on
// PushSubject 是 agentType 对应的配置推送主题
func PushSubject(configChannel, agentType string) string {
	return configChannel + "." + agentType
}

// natsClient carries the control channel over NATS subjects
// natsClient 通过 NATS 主题承载控制通道
type natsClient struct {
	cfg      config.CoordinatorConfig
	identity IdentityFunc
	logger   *zap.Logger

	tracker  *connTracker
	pushes   *pushHandlers
	counters frameCounters

	// extraOptions are appended to the built options
	// extraOptions 追加到构建的选项之后
	extraOptions []nats.Option

	mu      sync.Mutex
	nc      *nats.Conn
	sub     *nats.Subscription
	started bool
	closed  bool
}

func newNATSClient(cfg config.CoordinatorConfig, identity IdentityFunc, logger *zap.Logger) *natsClient {
	return &natsClient{
		cfg:      cfg,
		identity: identity,
		logger:   logger.With(zap.String("transport", "nats"), zap.String("url", cfg.URL)),
		tracker:  newConnTracker(logger),
		pushes:   &pushHandlers{logger: logger},
	}
}

// Connect implements Client
// Connect 实现 Client 接口
func (c *natsClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}

	id := c.identity()
	opts := []nats.Option{
		nats.Name("batch-dispatcher-" + id.AgentID),
		// Reconnect forever and drop what is published meanwhile
		// 无限重连，期间发布的消息直接丢弃
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectBufSize(-1),
		nats.ConnectHandler(func(*nats.Conn) { c.tracker.connected() }),
		nats.ReconnectHandler(func(*nats.Conn) { c.tracker.connected() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.tracker.failed(err)
				return
			}
			c.tracker.disconnected()
		}),
		// Every failed dial, including the ones before the first connect
		// 每次拨号失败都会上报，包括首次连接成功之前的失败
		nats.ReconnectErrHandler(func(_ *nats.Conn, err error) { c.tracker.failed(err) }),
		nats.ClosedHandler(func(*nats.Conn) { c.tracker.disconnected() }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Warn("NATS async error / NATS 异步错误", zap.Error(err))
		}),
	}
	if c.cfg.Backoff.BaseDelay > 0 {
		opts = append(opts, nats.ReconnectWait(c.cfg.Backoff.BaseDelay))
	}

	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	if c.cfg.TLS.CertFile != "" && c.cfg.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile))
	}
	if c.cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(c.cfg.TLS.CAFile))
	}
	opts = append(opts, c.extraOptions...)

	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	subject := PushSubject(c.cfg.ConfigChannel, id.AgentType)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		c.pushes.dispatch(msg.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.nc = nc
	c.sub = sub
	c.started = true
	if nc.IsConnected() {
		c.tracker.connected()
	}

	c.logger.Info("Connecting to coordinator / 正在连接协调器", zap.String("push_subject", subject))
	return nil
}

// Send implements Client
// Send 实现 Client 接口
func (c *natsClient) Send(channel string, payload any) error {
	c.mu.Lock()
	nc := c.nc
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if nc == nil || !nc.IsConnected() {
		c.counters.dropped.Add(1)
		return nil
	}

	id := c.identity()
	msg := nats.NewMsg(channel)
	msg.Header.Set(MetadataAgentType, id.AgentType)
	msg.Header.Set(MetadataAgentID, id.AgentID)
	msg.Data = data

	if err := nc.PublishMsg(msg); err != nil {
		c.counters.dropped.Add(1)
		c.logger.Debug("Failed to publish frame / 发布帧失败", zap.Error(err))
		return nil
	}
	c.counters.sent.Add(1)
	return nil
}

// OnConfigPush implements Client
// OnConfigPush 实现 Client 接口
func (c *natsClient) OnConfigPush(handler PushHandler) {
	c.pushes.add(handler)
}

// State implements Client
// State 实现 Client 接口
func (c *natsClient) State() ConnState {
	return c.tracker.current()
}

// Counters implements Client
// Counters 实现 Client 接口
func (c *natsClient) Counters() Counters {
	return Counters{
		Sent:    c.counters.sent.Load(),
		Dropped: c.counters.dropped.Load(),
		Pushes:  c.pushes.count.Load(),
	}
}

// Close implements Client
// Close 实现 Client 接口
func (c *natsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.pushes.clear()

	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.nc != nil {
		c.nc.Close()
	}
	c.tracker.disconnected()

	c.logger.Info("Control channel closed / 控制通道已关闭")
	return nil
}
