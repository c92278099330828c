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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seatunnel/batch-dispatcher/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestVersionCommand tests the version subcommand
// TestVersionCommand 测试 version 子命令
func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Batch Dispatcher")
	assert.Contains(t, out.String(), "Version:    "+Version)
}

// TestConfigCommand tests printing the effective configuration
// TestConfigCommand 测试打印生效的配置
func TestConfigCommand(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: node-1
  unattached: true
workload:
  launch_command: /usr/bin/wine
  exe_path: C:\batch\run.exe
`)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})

	require.NoError(t, cmd.Execute())

	cfg, err := config.LoadFromYAML(out.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.Agent.ID)
	assert.True(t, cfg.Agent.Unattached)
	assert.Equal(t, "/usr/bin/wine", cfg.Workload.LaunchCommand)
	assert.Equal(t, config.DefaultAgentType, cfg.Agent.Type)
}

// TestPrintConfigRoundTrips tests that printed YAML must load back unchanged
// TestPrintConfigRoundTrips 测试输出的 YAML 必须能无损重新加载
func TestPrintConfigRoundTrips(t *testing.T) {
	cfg, err := config.LoadFromYAML([]byte("agent:\n  id: node-2\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printConfig(&out, cfg))
	parsed, err := config.LoadFromYAML(out.Bytes())
	require.NoError(t, err)
	assert.True(t, cfg.Equal(parsed))

	// An empty agent id reloads as a fresh uuid
	// 空的 Agent ID 重新加载时会生成新的 uuid
	cfg.Agent.ID = ""
	out.Reset()
	assert.Error(t, printConfig(&out, cfg))
	assert.Zero(t, out.Len())
}

// TestInvalidConfigIsRejected tests that validation errors stop the command
// TestInvalidConfigIsRejected 测试验证错误会终止命令
func TestInvalidConfigIsRejected(t *testing.T) {
	path := writeConfig(t, `
log:
  level: verbose
`)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-c", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

// TestRunDispatcherUnattached tests a full start and stop of the agent
// TestRunDispatcherUnattached 测试 Agent 的完整启动与停止
func TestRunDispatcherUnattached(t *testing.T) {
	path := writeConfig(t, `
agent:
  id: node-1
  unattached: true
api:
  enabled: false
workload:
  launch_command: "true"
  graceful_timeout: 1s
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runDispatcher(ctx, cfg) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
