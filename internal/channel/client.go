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

// Package channel implements the control channel between the agent and its coordinator.
// channel 包实现 Agent 与协调器之间的控制通道。
//
// This package provides:
// 此包提供：
// - A reconnecting duplex client over gRPC or NATS / 基于 gRPC 或 NATS 的自动重连双工客户端
// - The outbound event and config push wire formats / 出站事件与配置推送的线上格式
// - A reference coordinator server for tests and local use / 用于测试和本地开发的参考协调器服务器
package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/seatunnel/batch-dispatcher/internal/config"
	"go.uber.org/zap"
)

// Common errors for the control channel
// 控制通道的常见错误
var (
	// ErrClientClosed indicates the client was closed
	// ErrClientClosed 表示客户端已关闭
	ErrClientClosed = errors.New("control channel client closed")

	// ErrUnsupportedScheme indicates no transport serves the coordinator URL
	// ErrUnsupportedScheme 表示没有传输方式支持该协调器 URL
	ErrUnsupportedScheme = errors.New("unsupported coordinator url scheme")

	// ErrMalformedFrame indicates a frame that could not be decoded
	// ErrMalformedFrame 表示无法解码的帧
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrAgentNotConnected indicates the server has no stream for the agent
	// ErrAgentNotConnected 表示服务器上没有该 Agent 的流
	ErrAgentNotConnected = errors.New("agent not connected")
)

// ConnState is the externally visible connection state
// ConnState 是对外可见的连接状态
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnected    ConnState = "connected"
	StateErrorPending ConnState = "error_pending"
)

// Identity is announced to the coordinator on every (re)connect
// Identity 在每次（重新）连接时告知协调器
type Identity struct {
	AgentType string
	AgentID   string
}

// IdentityFunc returns the identity to announce, it is read at each connect
// IdentityFunc 返回要声明的身份，每次连接时读取
type IdentityFunc func() Identity

// PushHandler receives configuration pushes
// PushHandler 接收配置推送
type PushHandler func(ConfigPush)

// Counters are cumulative frame counts
// Counters 是累计帧计数
type Counters struct {
	Sent    uint64
	Dropped uint64
	Pushes  uint64
}

// Client is a persistent, auto-reconnecting duplex link to the coordinator
// Client 是与协调器之间持久、自动重连的双工链路
type Client interface {
	// Connect starts connecting in the background, reconnection is left to the transport
	// Connect 在后台开始连接，重连由传输层负责
	Connect(ctx context.Context) error

	// Send emits payload as JSON on channel. It never blocks; frames are
	// dropped while disconnected and never replayed.
	// Send 将 payload 以 JSON 形式发送到 channel，从不阻塞；断开期间的帧会被丢弃且不会重放。
	Send(channel string, payload any) error

	// OnConfigPush registers a push handler, handlers run in registration order
	// OnConfigPush 注册推送处理器，处理器按注册顺序执行
	OnConfigPush(handler PushHandler)

	// State returns the current connection state
	// State 返回当前连接状态
	State() ConnState

	// Counters returns frame counts since creation
	// Counters 返回创建以来的帧计数
	Counters() Counters

	// Close deregisters handlers and terminates the connection, it is idempotent
	// Close 注销处理器并终止连接，可重复调用
	Close() error
}

// New creates the client matching the scheme of cfg.URL
// New 根据 cfg.URL 的 scheme 创建对应的客户端
func New(cfg config.CoordinatorConfig, identity IdentityFunc, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("channel")

	switch transportFor(cfg.URL) {
	case transportNATS:
		return newNATSClient(cfg, identity, logger), nil
	case transportGRPC:
		return newGRPCClient(cfg, identity, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, cfg.URL)
	}
}

type transport int

const (
	transportUnknown transport = iota
	transportGRPC
	transportNATS
)

func transportFor(rawURL string) transport {
	scheme, _, found := strings.Cut(rawURL, "://")
	if !found {
		// Bare host:port / 纯 host:port
		return transportGRPC
	}
	switch strings.ToLower(scheme) {
	case "nats", "tls":
		return transportNATS
	case "grpc", "grpcs", "http", "https", "passthrough", "dns", "unix":
		return transportGRPC
	default:
		return transportUnknown
	}
}

// grpcTarget converts the coordinator URL into a grpc target and whether TLS is implied
// grpcTarget 将协调器 URL 转换为 grpc 目标地址，并返回是否隐含 TLS
func grpcTarget(rawURL string) (string, bool, error) {
	scheme, _, found := strings.Cut(rawURL, "://")
	if !found {
		return rawURL, false, nil
	}
	switch strings.ToLower(scheme) {
	case "passthrough", "dns", "unix":
		return rawURL, false, nil
	case "grpc", "http", "grpcs", "https":
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" {
			return "", false, fmt.Errorf("invalid coordinator url %q: %v", rawURL, err)
		}
		secure := scheme == "grpcs" || scheme == "https"
		return u.Host, secure, nil
	default:
		return "", false, fmt.Errorf("%w: %s", ErrUnsupportedScheme, rawURL)
	}
}

// loadTLSConfig loads TLS configuration from files
// loadTLSConfig 从文件加载 TLS 配置
func loadTLSConfig(tlsCfg config.TLSConfig) (*tls.Config, error) {
	// Load client certificate if provided
	// 如果提供则加载客户端证书
	var certificates []tls.Certificate
	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		certificates = append(certificates, cert)
	}

	// Load CA certificate if provided
	// 如果提供则加载 CA 证书
	var rootCAs *x509.CertPool
	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		rootCAs = x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA certificate")
		}
	}

	return &tls.Config{
		Certificates: certificates,
		RootCAs:      rootCAs,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// connTracker turns transport callbacks into the connection state and its log lines.
// Only the first failure of an outage is logged.
// connTracker 将传输层回调转换为连接状态及日志，每次中断只记录第一次失败。
type connTracker struct {
	mu           sync.Mutex
	state        ConnState
	errorPending bool
	logger       *zap.Logger
}

func newConnTracker(logger *zap.Logger) *connTracker {
	return &connTracker{state: StateDisconnected, logger: logger}
}

func (t *connTracker) connected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateConnected {
		return
	}
	if t.errorPending {
		t.errorPending = false
		t.logger.Info("Reconnected to coordinator / 已重新连接到协调器")
	} else {
		t.logger.Info("Connected to coordinator / 已连接到协调器")
	}
	t.state = StateConnected
}

func (t *connTracker) disconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateConnected {
		t.logger.Info("Disconnected from coordinator / 已与协调器断开连接")
	}
	t.state = StateDisconnected
}

func (t *connTracker) failed(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateConnected {
		t.logger.Info("Disconnected from coordinator / 已与协调器断开连接")
	}
	t.state = StateDisconnected
	if t.errorPending {
		return
	}
	t.errorPending = true
	t.logger.Error("Connection to coordinator failed / 连接协调器失败", zap.Error(err))
}

func (t *connTracker) current() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.errorPending {
		return StateErrorPending
	}
	return t.state
}

// pushHandlers dispatches pushes to every registered handler in order
// pushHandlers 按顺序将推送分发给所有已注册的处理器
type pushHandlers struct {
	mu       sync.RWMutex
	handlers []PushHandler
	count    atomic.Uint64
	logger   *zap.Logger
}

func (p *pushHandlers) add(h PushHandler) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

func (p *pushHandlers) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = nil
}

// dispatch must be called from a single goroutine per client
// dispatch 对每个客户端只能在单个 goroutine 中调用
func (p *pushHandlers) dispatch(data []byte) {
	push, err := DecodeConfigPush(data)
	if err != nil {
		p.logger.Warn("Ignoring malformed config push / 忽略格式错误的配置推送", zap.Error(err))
		return
	}
	p.count.Add(1)

	p.mu.RLock()
	handlers := make([]PushHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		h(push)
	}
}

// frameCounters tracks sent and dropped frames
// frameCounters 跟踪已发送和已丢弃的帧
type frameCounters struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}
