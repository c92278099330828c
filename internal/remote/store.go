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

// Package remote holds the configuration pushed by the coordinator.
// remote 包保存协调器推送的配置。
package remote

import (
	"fmt"
	"sync"

	"github.com/seatunnel/batch-dispatcher/internal/config"
)

// DatabaseConnection is the database the workloads should use
// DatabaseConnection 是工作负载应使用的数据库
type DatabaseConnection struct {
	URL      string `json:"url"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Schema   string `json:"schema"`
	Type     string `json:"type"`
	Instance string `json:"instance"`
}

// Config is the coordinator-owned part of the agent configuration
// Config 是由协调器管理的 Agent 配置部分
type Config struct {
	AgentID            string             `json:"agentId"`
	DatabaseConnection DatabaseConnection `json:"databaseConnection"`
}

// String masks the password
// String 隐藏密码
func (c Config) String() string {
	password := ""
	if c.DatabaseConnection.Password != "" {
		password = "******"
	}
	return fmt.Sprintf("agent=%s db=%s://%s@%s:%d/%s instance=%s password=%s",
		c.AgentID, c.DatabaseConnection.Type, c.DatabaseConnection.Username,
		c.DatabaseConnection.URL, c.DatabaseConnection.Port, c.DatabaseConnection.Schema,
		c.DatabaseConnection.Instance, password)
}

// FromLocal builds the initial remote config from local configuration
// FromLocal 根据本地配置构建初始远程配置
func FromLocal(cfg *config.Config) Config {
	return Config{
		AgentID: cfg.Agent.ID,
		DatabaseConnection: DatabaseConnection{
			URL:      cfg.Database.Host,
			Port:     cfg.Database.Port,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
			Schema:   cfg.Database.Schema,
			Type:     cfg.Database.Type,
			Instance: cfg.Database.Instance,
		},
	}
}

// Store holds the current Config. Every push replaces it wholesale,
// readers never observe a partially applied push.
// Store 保存当前 Config，每次推送整体替换，读取方不会看到部分应用的推送。
type Store struct {
	mu      sync.RWMutex
	current Config
	version uint64
}

// NewStore creates a store holding initial at version 0
// NewStore 创建以 initial 为版本 0 的存储
func NewStore(initial Config) *Store {
	return &Store{current: initial}
}

// Replace swaps in cfg and returns the new version
// Replace 替换为 cfg 并返回新版本号
func (s *Store) Replace(cfg Config) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
	s.version++
	return s.version
}

// Snapshot returns a copy of the current config and its version
// Snapshot 返回当前配置的副本及其版本
func (s *Store) Snapshot() (Config, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.version
}

// Current returns a copy of the current config
// Current 返回当前配置的副本
func (s *Store) Current() Config {
	cfg, _ := s.Snapshot()
	return cfg
}

// AgentID returns the current agent id
// AgentID 返回当前 Agent ID
func (s *Store) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AgentID
}

// Version returns how many pushes have been applied
// Version 返回已应用的推送次数
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
