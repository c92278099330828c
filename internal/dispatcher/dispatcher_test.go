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
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seatunnel/batch-dispatcher/internal/api"
	"github.com/seatunnel/batch-dispatcher/internal/channel"
	"github.com/seatunnel/batch-dispatcher/internal/process"
	"github.com/seatunnel/batch-dispatcher/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func runDispatcher(t *testing.T, d *Dispatcher) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if !waitClosed(d.Done(), 10*time.Second) {
			t.Error("dispatcher did not stop")
		}
	})
	return cancel, errCh
}

// TestUnattachedStartsSurfaceImmediately tests the unattached startup path
// TestUnattachedStartsSurfaceImmediately 测试非附着模式的启动流程
func TestUnattachedStartsSurfaceImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Unattached = true
	cfg.API.Enabled = true

	fake := &fakeClient{}
	d, err := New(cfg, zaptest.NewLogger(t), WithClientFactory(fake.factory()))
	require.NoError(t, err)

	cancel, errCh := runDispatcher(t, d)
	require.True(t, waitClosed(d.Ready(), 5*time.Second))
	assert.Nil(t, fake.identity, "unattached mode must not create a control channel")

	resp, err := http.Get("http://" + d.APIAddr() + "/health")
	require.NoError(t, err)
	var health api.Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, ModeUnattached, health.Mode)
	assert.Equal(t, "local-agent", health.AgentID)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, waitClosed(d.Done(), time.Second))
}

// TestAttachedGateOpensOnFirstPush tests that the surface waits for the coordinator
// TestAttachedGateOpensOnFirstPush 测试本地接口等待协调器的首次推送
func TestAttachedGateOpensOnFirstPush(t *testing.T) {
	cfg := testConfig()
	cfg.API.Enabled = true

	fake := &fakeClient{}
	d, err := New(cfg, zaptest.NewLogger(t), WithClientFactory(fake.factory()))
	require.NoError(t, err)

	runDispatcher(t, d)
	require.Eventually(t, func() bool { return fake.State() == channel.StateConnected }, 5*time.Second, 10*time.Millisecond)

	assert.False(t, waitClosed(d.Ready(), 100*time.Millisecond), "surface must stay closed before the first push")
	assert.Equal(t, "", d.APIAddr())

	push := remote.Config{
		AgentID:            "pushed-agent",
		DatabaseConnection: remote.DatabaseConnection{URL: "db", Port: 5432, Type: "PostgreSQL", Schema: "batch"},
	}
	fake.push(push)

	require.True(t, waitClosed(d.Ready(), 5*time.Second))
	assert.NotEqual(t, "", d.APIAddr())

	cfgNow, version := d.Store().Snapshot()
	assert.Equal(t, push, cfgNow)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, "pushed-agent", fake.identity().AgentID)

	// Later pushes replace the config but never restart the surface
	// 后续推送替换配置但不会重启本地接口
	addr := d.APIAddr()
	fake.push(remote.Config{AgentID: "again"})
	assert.Equal(t, addr, d.APIAddr())
	assert.Equal(t, uint64(2), d.Store().Version())
	assert.Equal(t, remote.DatabaseConnection{}, d.Store().Current().DatabaseConnection)

	health := d.Health()
	assert.Equal(t, ModeAttached, health.Mode)
	assert.Equal(t, string(channel.StateConnected), health.Connection)
	assert.Equal(t, uint64(2), health.ConfigVersion)
}

// TestIdentityFallsBackToLocalID tests identity when a push carries no agent id
// TestIdentityFallsBackToLocalID 测试推送不带 Agent ID 时的身份回退
func TestIdentityFallsBackToLocalID(t *testing.T) {
	fake := &fakeClient{}
	d, err := New(testConfig(), zaptest.NewLogger(t), WithClientFactory(fake.factory()))
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	assert.Equal(t, channel.Identity{AgentType: "SEDA_BATCH", AgentID: "local-agent"}, fake.identity())
	fake.push(remote.Config{AgentID: ""})
	assert.Equal(t, "local-agent", fake.identity().AgentID)
	assert.True(t, waitClosed(d.Ready(), time.Second), "the gate opens even without a local surface")
}

// TestEventsAreForwarded tests that every supervisor event reaches the channel
// TestEventsAreForwarded 测试每个监管器事件都会发送到控制通道
func TestEventsAreForwarded(t *testing.T) {
	cfg := testConfig()
	cfg.Workload.LaunchCommand = "sh"
	cfg.Workload.ExePath = "-c"

	fake := &fakeClient{}
	d, err := New(cfg, zaptest.NewLogger(t), WithClientFactory(fake.factory()))
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	fake.push(remote.Config{AgentID: "pushed-agent"})

	// sh -c with no command string fails, which still ends the workload
	// sh -c 缺少命令字符串会失败，但工作负载仍会正常结束
	snap := d.Launch()
	require.Greater(t, snap.PID, 0)

	require.Eventually(t, func() bool {
		frames := fake.frames()
		return len(frames) >= 2 && frames[len(frames)-1].event.Payload.MessageType == channel.MessageEnd
	}, 5*time.Second, 10*time.Millisecond)

	frames := fake.frames()
	assert.Equal(t, channel.MessageStart, frames[0].event.Payload.MessageType)
	for _, f := range frames {
		assert.Equal(t, "message", f.channel)
		assert.Equal(t, "SEDA_BATCH", f.event.AgentType)
		assert.Equal(t, "pushed-agent", f.event.AgentID)
		assert.Equal(t, snap.PID, f.event.Payload.Workload.PID)
	}
}

// TestLaunchFailureIsForwarded tests the batch_error path
// TestLaunchFailureIsForwarded 测试 batch_error 路径
func TestLaunchFailureIsForwarded(t *testing.T) {
	cfg := testConfig()
	cfg.Workload.LaunchCommand = "/nonexistent/batch-runner"

	fake := &fakeClient{}
	d, err := New(cfg, zaptest.NewLogger(t), WithClientFactory(fake.factory()))
	require.NoError(t, err)
	defer d.Shutdown(context.Background())

	snap := d.Launch()
	assert.Equal(t, 0, snap.PID)
	assert.Equal(t, process.StateErrored, snap.State)

	require.Eventually(t, func() bool { return len(fake.frames()) == 1 }, 5*time.Second, 10*time.Millisecond)
	ev := fake.frames()[0].event
	assert.Equal(t, channel.MessageBatchError, ev.Payload.MessageType)
	require.NotNil(t, ev.Payload.Error)
	assert.NotEmpty(t, ev.Payload.Error.Message)
}

// TestShutdownKillsWorkloads tests the shutdown order and idempotence
// TestShutdownKillsWorkloads 测试关闭顺序与幂等性
func TestShutdownKillsWorkloads(t *testing.T) {
	fake := &fakeClient{}
	d, err := New(testConfig(), zaptest.NewLogger(t), WithClientFactory(fake.factory()))
	require.NoError(t, err)

	first := d.Launch()
	second := d.Launch()
	require.Equal(t, 2, d.Supervisor().Count())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	require.NoError(t, d.Shutdown(ctx))

	assert.Equal(t, 0, d.Supervisor().Count())
	assert.Equal(t, 1, fake.closeCount())
	assert.Equal(t, "shutting_down", d.Health().Status)

	// The channel is closed before the kills, their end events are not sent
	// 控制通道先于终止操作关闭，终止产生的 end 事件不会被发送
	for _, f := range fake.frames() {
		assert.Equal(t, channel.MessageStart, f.event.Payload.MessageType)
	}
	_, ok := d.Supervisor().Get(first.PID)
	assert.False(t, ok)
	_, ok = d.Supervisor().Get(second.PID)
	assert.False(t, ok)

	refused := d.Launch()
	assert.Equal(t, process.StateErrored, refused.State)
	assert.Equal(t, 0, d.Supervisor().Count())
}

// TestDisabledSurface tests that ENABLE_API=false never starts the surface
// TestDisabledSurface 测试 ENABLE_API=false 时从不启动本地接口
func TestDisabledSurface(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Unattached = true
	cfg.API.Enabled = false

	d, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	runDispatcher(t, d)
	require.True(t, waitClosed(d.Ready(), 5*time.Second))
	assert.Equal(t, "", d.APIAddr())
}

// TestUnattachedSurfaceBindFailure tests that Run reports a surface that cannot start
// TestUnattachedSurfaceBindFailure 测试本地接口无法启动时 Run 返回错误
func TestUnattachedSurfaceBindFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Agent.Unattached = true
	cfg.API.Enabled = true

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	cfg.API.Port = busy.Addr().(*net.TCPAddr).Port

	d, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = d.Run(context.Background())
	assert.Error(t, err)
	assert.True(t, waitClosed(d.Done(), time.Second))
}

// TestPushDuringShutdownStartsNoLateCheck tests config pushes racing with Shutdown
// TestPushDuringShutdownStartsNoLateCheck 测试与关闭流程并发的配置推送
func TestPushDuringShutdownStartsNoLateCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Database.ProbeOnPush = true

	fake := &fakeClient{}
	d, err := New(cfg, zaptest.NewLogger(t), WithClientFactory(fake.factory()))
	require.NoError(t, err)

	push := channel.ConfigPush{DatabaseConnection: remote.DatabaseConnection{
		Type: "sqlite",
		URL:  filepath.Join(t.TempDir(), "missing", "agent.db"),
	}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.applyPush(push)
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	wg.Wait()

	// Late pushes still replace the store but start no database check
	// 迟到的推送仍替换存储，但不再启动数据库检查
	before := d.Store().Version()
	d.applyPush(push)
	assert.Equal(t, before+1, d.Store().Version())
	assert.False(t, d.addProbe())
	d.probes.Wait()
}

// **Feature: batch-dispatcher, Property 7: Shutdown runs exactly once**
//
// 对于任意数量的并发关闭触发，控制通道只被关闭一次，所有调用方得到相同结果。
func TestProperty_ShutdownRunsExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		triggers := rapid.IntRange(1, 16).Draw(rt, "triggers")

		fake := &fakeClient{}
		d, err := New(testConfig(), zaptest.NewLogger(t), WithClientFactory(fake.factory()))
		if err != nil {
			rt.Fatalf("New failed: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, triggers)
		for i := 0; i < triggers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = d.Shutdown(context.Background())
			}(i)
		}
		wg.Wait()

		if got := fake.closeCount(); got != 1 {
			rt.Fatalf("control channel closed %d times", got)
		}
		for i, err := range errs {
			if err != nil {
				rt.Fatalf("trigger %d returned %v", i, err)
			}
		}
		select {
		case <-d.Done():
		default:
			rt.Fatalf("done channel not closed")
		}
	})
}
