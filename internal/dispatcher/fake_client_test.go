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

package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/seatunnel/batch-dispatcher/internal/channel"
	"github.com/seatunnel/batch-dispatcher/internal/config"
	"go.uber.org/zap"
)

// fakeClient is an in-memory control channel
// fakeClient 是内存中的控制通道
type fakeClient struct {
	mu       sync.Mutex
	identity channel.IdentityFunc
	handlers []channel.PushHandler
	sent     []sentFrame
	connects int
	closes   int
	state    channel.ConnState
}

type sentFrame struct {
	channel string
	event   channel.OutboundEvent
}

func (f *fakeClient) factory() ClientFactory {
	return func(_ config.CoordinatorConfig, identity channel.IdentityFunc, _ *zap.Logger) (channel.Client, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.identity = identity
		f.state = channel.StateDisconnected
		return f, nil
	}
}

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.state = channel.StateConnected
	return nil
}

func (f *fakeClient) Send(ch string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return channel.ErrClientClosed
	}
	f.sent = append(f.sent, sentFrame{channel: ch, event: payload.(channel.OutboundEvent)})
	return nil
}

func (f *fakeClient) OnConfigPush(h channel.PushHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeClient) State() channel.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) Counters() channel.Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return channel.Counters{Sent: uint64(len(f.sent))}
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.handlers = nil
	f.state = channel.StateDisconnected
	return nil
}

// push delivers a config push like the transport would
// push 像传输层一样投递配置推送
func (f *fakeClient) push(p channel.ConfigPush) {
	f.mu.Lock()
	handlers := append([]channel.PushHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(p)
	}
}

func (f *fakeClient) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func (f *fakeClient) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// testConfig returns a valid configuration that never touches the network
// testConfig 返回不访问网络的有效配置
func testConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentConfig{ID: "local-agent", Type: "SEDA_BATCH"},
		Coordinator: config.CoordinatorConfig{
			URL:           "grpc://127.0.0.1:1",
			Channel:       "message",
			ConfigChannel: "message",
		},
		API: config.APIConfig{Enabled: false, Host: "127.0.0.1", Port: 0},
		Workload: config.WorkloadConfig{
			LaunchCommand:   "sleep",
			ExePath:         "30",
			GracefulTimeout: 2 * time.Second,
		},
		Database: config.DatabaseConfig{Type: "PostgreSQL", Host: "localhost", Port: 5432},
		Log:      config.LogConfig{Level: "info"},
	}
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
