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

package remote

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/seatunnel/batch-dispatcher/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestStoreReplace tests versioning and wholesale replacement
// TestStoreReplace 测试版本号与整体替换
func TestStoreReplace(t *testing.T) {
	initial := Config{AgentID: "local", DatabaseConnection: DatabaseConnection{URL: "localhost", Port: 5432, Type: "PostgreSQL"}}
	s := NewStore(initial)

	cfg, version := s.Snapshot()
	assert.Equal(t, initial, cfg)
	assert.Zero(t, version)

	pushed := Config{AgentID: "agent-7", DatabaseConnection: DatabaseConnection{URL: "db", Type: "MySQL", Port: 3306}}
	assert.Equal(t, uint64(1), s.Replace(pushed))
	assert.Equal(t, pushed, s.Current())
	assert.Equal(t, "agent-7", s.AgentID())

	// A push without a database connection clears it / 不含数据库连接的推送会清空它
	assert.Equal(t, uint64(2), s.Replace(Config{AgentID: "agent-8"}))
	assert.Equal(t, DatabaseConnection{}, s.Current().DatabaseConnection)
	assert.Equal(t, uint64(2), s.Version())
}

// TestFromLocal tests the initial config mapping
// TestFromLocal 测试初始配置映射
func TestFromLocal(t *testing.T) {
	local := &config.Config{
		Agent: config.AgentConfig{ID: "agent-1"},
		Database: config.DatabaseConfig{
			Type: "PostgreSQL", Host: "pg", Port: 5433, Username: "u", Password: "p", Schema: "s", Instance: "i",
		},
	}
	cfg := FromLocal(local)
	assert.Equal(t, "agent-1", cfg.AgentID)
	assert.Equal(t, DatabaseConnection{URL: "pg", Port: 5433, Username: "u", Password: "p", Schema: "s", Type: "PostgreSQL", Instance: "i"}, cfg.DatabaseConnection)
}

// TestConfigJSON tests the push wire format
// TestConfigJSON 测试推送的线上格式
func TestConfigJSON(t *testing.T) {
	raw := `{"agentId":"a1","databaseConnection":{"url":"db.local","port":1521,"username":"scott","password":"tiger","schema":"hr","type":"Oracle","instance":"XE"}}`

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, "a1", cfg.AgentID)
	assert.Equal(t, 1521, cfg.DatabaseConnection.Port)
	assert.Equal(t, "XE", cfg.DatabaseConnection.Instance)

	var partial Config
	require.NoError(t, json.Unmarshal([]byte(`{"agentId":"a2"}`), &partial))
	assert.Equal(t, DatabaseConnection{}, partial.DatabaseConnection)
}

// TestConfigStringMasksPassword tests password masking
// TestConfigStringMasksPassword 测试密码隐藏
func TestConfigStringMasksPassword(t *testing.T) {
	cfg := Config{AgentID: "a", DatabaseConnection: DatabaseConnection{Password: "secret"}}
	assert.NotContains(t, cfg.String(), "secret")
	assert.Contains(t, cfg.String(), "******")
}

// **Feature: batch-dispatcher, Property 4: Config push is all-or-nothing**
//
// Property: While pushes replace the store concurrently, every reader
// observes a config that was pushed as a whole, never a mix of fields
// from two pushes, and versions never go backwards for a single reader.
// 属性：并发推送替换存储时，每个读取方看到的配置都是某次完整推送，不会混合两次推送的字段，
// 且单个读取方看到的版本号不会回退。
func TestProperty_StoreReplaceIsAtomic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "pushes")
		readers := rapid.IntRange(1, 8).Draw(t, "readers")

		// Push i carries i in every field so mixes are detectable
		// 第 i 次推送的每个字段都携带 i，便于检测混合
		pushes := make([]Config, n)
		for i := range pushes {
			tag := fmt.Sprint(i + 1)
			pushes[i] = Config{
				AgentID: "agent-" + tag,
				DatabaseConnection: DatabaseConnection{
					URL: "host-" + tag, Port: i + 1, Username: "user-" + tag, Password: "pw-" + tag,
					Schema: "schema-" + tag, Type: "type-" + tag, Instance: "inst-" + tag,
				},
			}
		}

		s := NewStore(pushes[0])
		s.Replace(pushes[0])

		var wg sync.WaitGroup
		errs := make(chan error, readers)
		for r := 0; r < readers; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var last uint64
				for i := 0; i < n*4; i++ {
					cfg, version := s.Snapshot()
					if version < last {
						errs <- fmt.Errorf("version went back from %d to %d", last, version)
						return
					}
					last = version
					want := pushes[cfg.DatabaseConnection.Port-1]
					if cfg != want {
						errs <- fmt.Errorf("torn read: %+v", cfg)
						return
					}
				}
			}()
		}

		for _, p := range pushes[1:] {
			s.Replace(p)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Fatal(err)
		}
		if s.Current() != pushes[n-1] {
			t.Fatalf("final config %+v, want %+v", s.Current(), pushes[n-1])
		}
		if s.Version() != uint64(n) {
			t.Fatalf("version %d, want %d", s.Version(), n)
		}
	})
}
