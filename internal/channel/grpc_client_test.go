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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/seatunnel/batch-dispatcher/internal/config"
	"github.com/seatunnel/batch-dispatcher/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1024 * 1024

// testCoordinator wraps the reference server on an in-memory listener.
// testCoordinator 在内存监听器上包装参考服务器。
type testCoordinator struct {
	server   *Server
	listener *bufconn.Listener
}

// newTestCoordinator creates a coordinator with in-memory connections.
// newTestCoordinator 创建使用内存连接的协调器。
func newTestCoordinator(t *testing.T) *testCoordinator {
	listener := bufconn.Listen(bufSize)
	// Handlers may outlive the test, keep the server quiet
	// 处理器可能在测试结束后仍在运行，服务器不输出日志
	server := NewServer("config", zap.NewNop())

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	return &testCoordinator{server: server, listener: listener}
}

func (tc *testCoordinator) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return tc.listener.DialContext(ctx)
	})
}

// newBufClient creates a gRPC client wired to the in-memory listener.
// newBufClient 创建连接到内存监听器的 gRPC 客户端。
func newBufClient(t *testing.T, tc *testCoordinator, agentID string) *grpcClient {
	cfg := config.CoordinatorConfig{
		URL:           "passthrough:///bufnet",
		Channel:       "message",
		ConfigChannel: "config",
		Backoff:       config.BackoffConfig{BaseDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
	}
	c, err := newGRPCClient(cfg, testIdentity(agentID), zaptest.NewLogger(t))
	require.NoError(t, err)
	c.extraDialOptions = []grpc.DialOption{tc.dialer()}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitStream waits until the client has a live stream the coordinator knows about
// waitStream 等待客户端拥有协调器已登记的存活流
func waitStream(t *testing.T, tc *testCoordinator, c *grpcClient, agentID string, after uint64) uint64 {
	var gen uint64
	require.Eventually(t, func() bool {
		_, gen = c.liveStream()
		if gen <= after || c.State() != StateConnected {
			return false
		}
		for _, a := range tc.server.Agents() {
			if a.AgentID == agentID {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return gen
}

func nextEvent(t *testing.T, tc *testCoordinator) ReceivedEvent {
	select {
	case ev := <-tc.server.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return ReceivedEvent{}
	}
}

// TestGRPCClientSendsWithIdentity tests that frames carry the connection identity
// TestGRPCClientSendsWithIdentity 测试帧携带连接身份
func TestGRPCClientSendsWithIdentity(t *testing.T) {
	tc := newTestCoordinator(t)
	c := newBufClient(t, tc, "agent-1")

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	waitStream(t, tc, c, "agent-1", 0)

	require.NoError(t, c.Send("message", map[string]string{"hello": "world"}))

	ev := nextEvent(t, tc)
	assert.Equal(t, "SEDA_BATCH", ev.AgentType)
	assert.Equal(t, "agent-1", ev.AgentID)
	assert.Equal(t, "message", ev.Channel)
	assert.JSONEq(t, `{"hello":"world"}`, string(ev.Data))

	require.Eventually(t, func() bool { return c.Counters().Sent == 1 }, 2*time.Second, 10*time.Millisecond)

	agents := tc.server.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "SEDA_BATCH", agents[0].AgentType)
}

// TestGRPCClientPushHandlersRunInOrder tests push dispatch to every handler
// TestGRPCClientPushHandlersRunInOrder 测试推送按顺序分发给所有处理器
func TestGRPCClientPushHandlersRunInOrder(t *testing.T) {
	tc := newTestCoordinator(t)
	c := newBufClient(t, tc, "agent-1")

	var mu sync.Mutex
	var calls []string
	record := func(name string) PushHandler {
		return func(push ConfigPush) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name+":"+push.AgentID+":"+push.DatabaseConnection.Schema)
		}
	}
	c.OnConfigPush(record("first"))
	c.OnConfigPush(record("second"))

	require.NoError(t, c.Connect(context.Background()))
	waitStream(t, tc, c, "agent-1", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tc.server.Push(ctx, "agent-1", remote.Config{
		AgentID:            "agent-9",
		DatabaseConnection: remote.DatabaseConnection{Schema: "one"},
	}))
	require.NoError(t, tc.server.Push(ctx, "agent-1", remote.Config{
		AgentID:            "agent-9",
		DatabaseConnection: remote.DatabaseConnection{Schema: "two"},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"first:agent-9:one",
		"second:agent-9:one",
		"first:agent-9:two",
		"second:agent-9:two",
	}, calls)
	assert.Equal(t, uint64(2), c.Counters().Pushes)
}

// TestGRPCClientDoesNotReplayAfterReconnect tests that frames of a dead stream are dropped
// TestGRPCClientDoesNotReplayAfterReconnect 测试已失效流上的帧会被丢弃
func TestGRPCClientDoesNotReplayAfterReconnect(t *testing.T) {
	tc := newTestCoordinator(t)
	c := newBufClient(t, tc, "agent-1")

	require.NoError(t, c.Connect(context.Background()))
	first := waitStream(t, tc, c, "agent-1", 0)

	require.True(t, tc.server.Disconnect("agent-1"))
	second := waitStream(t, tc, c, "agent-1", first)
	assert.Greater(t, second, first)

	// A frame accepted before the disconnect / 断开前已接受的帧
	stale, err := encodeFrame("message", []byte(`{"seq":"stale"}`))
	require.NoError(t, err)
	c.sendQ <- outFrame{gen: first, frame: stale}

	require.NoError(t, c.Send("message", map[string]string{"seq": "fresh"}))

	ev := nextEvent(t, tc)
	assert.JSONEq(t, `{"seq":"fresh"}`, string(ev.Data))

	select {
	case ev := <-tc.server.Events():
		t.Fatalf("unexpected replayed frame: %s", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
	assert.GreaterOrEqual(t, c.Counters().Dropped, uint64(1))
}

// TestGRPCClientUnreachable tests error_pending and dropping while unreachable
// TestGRPCClientUnreachable 测试不可达时的 error_pending 状态与丢弃行为
func TestGRPCClientUnreachable(t *testing.T) {
	tc := newTestCoordinator(t)
	require.NoError(t, tc.listener.Close())
	c := newBufClient(t, tc, "agent-1")

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateErrorPending }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send("message", map[string]string{"a": "b"}))
	assert.Equal(t, uint64(1), c.Counters().Dropped)
	assert.Equal(t, uint64(0), c.Counters().Sent)
}

// TestGRPCClientClose tests idempotent close
// TestGRPCClientClose 测试可重复关闭
func TestGRPCClientClose(t *testing.T) {
	tc := newTestCoordinator(t)
	c := newBufClient(t, tc, "agent-1")

	require.NoError(t, c.Connect(context.Background()))
	waitStream(t, tc, c, "agent-1", 0)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send("message", "x"), ErrClientClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)

	require.Eventually(t, func() bool { return len(tc.server.Agents()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

// TestServerRequiresIdentity tests that streams without metadata are refused
// TestServerRequiresIdentity 测试拒绝没有元数据的流
func TestServerRequiresIdentity(t *testing.T) {
	tc := newTestCoordinator(t)

	conn, err := grpc.NewClient("passthrough:///bufnet", tc.dialer(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &connectStreamDesc, ConnectMethod)
	require.NoError(t, err)

	err = stream.RecvMsg(new(structpb.Struct))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// TestServerPushUnknownAgent tests pushing to an agent without a stream
// TestServerPushUnknownAgent 测试向没有流的 Agent 推送
func TestServerPushUnknownAgent(t *testing.T) {
	tc := newTestCoordinator(t)
	err := tc.server.Push(context.Background(), "missing", remote.Config{})
	assert.ErrorIs(t, err, ErrAgentNotConnected)
	assert.False(t, tc.server.Disconnect("missing"))
}

// TestReceivedEventDecode tests decoding an outbound event on the server side
// TestReceivedEventDecode 测试在服务器端解码出站事件
func TestReceivedEventDecode(t *testing.T) {
	ev := ReceivedEvent{Data: []byte(`{"agentType":"T","agentId":"A","payload":{"messageType":"start","workload":{"pid":7}}}`)}
	out, err := ev.Decode()
	require.NoError(t, err)
	assert.Equal(t, MessageStart, out.Payload.MessageType)
	assert.Equal(t, 7, out.Payload.Workload.PID)

	_, err = ReceivedEvent{Data: []byte("{")}.Decode()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
