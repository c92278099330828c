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

package process

import (
	"time"

	"go.uber.org/zap"
)

// EventType represents a workload lifecycle event
// EventType 表示工作负载生命周期事件
type EventType string

const (
	// EventStart fires once the OS confirmed the spawn
	// EventStart 在操作系统确认启动后触发
	EventStart EventType = "start"

	// EventStats fires after each successful periodic sample
	// EventStats 在每次周期采样成功后触发
	EventStats EventType = "stats"

	// EventStatsError fires once when sampling fails, polling then stops
	// EventStatsError 在采样失败时触发一次，随后停止轮询
	EventStatsError EventType = "stats_error"

	// EventBatchError fires when the OS reports a launch or runtime error
	// EventBatchError 在操作系统报告启动或运行错误时触发
	EventBatchError EventType = "batch_error"

	// EventEnd fires when the workload exited with a status
	// EventEnd 在工作负载以退出状态结束时触发
	EventEnd EventType = "end"
)

// Event is delivered to subscribers
// Event 投递给订阅者
type Event struct {
	Type     EventType
	Workload Snapshot
	Err      error
	Time     time.Time
}

// EventHandler receives every workload event
// EventHandler 接收所有工作负载事件
type EventHandler func(Event)

// Subscribe registers a handler for every event type.
// Handlers run in registration order on the workload's goroutine.
// Subscribe 注册接收所有事件类型的处理器，处理器按注册顺序在工作负载的 goroutine 中执行。
func (s *Supervisor) Subscribe(handler EventHandler) {
	if handler == nil {
		return
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// OnStart registers a start listener
// OnStart 注册启动监听器
func (s *Supervisor) OnStart(fn func(Snapshot)) {
	s.Subscribe(func(e Event) {
		if e.Type == EventStart {
			fn(e.Workload)
		}
	})
}

// OnStatsUpdate registers a stats listener
// OnStatsUpdate 注册统计更新监听器
func (s *Supervisor) OnStatsUpdate(fn func(Snapshot)) {
	s.Subscribe(func(e Event) {
		if e.Type == EventStats {
			fn(e.Workload)
		}
	})
}

// OnStatsError registers a stats failure listener
// OnStatsError 注册统计失败监听器
func (s *Supervisor) OnStatsError(fn func(Snapshot, error)) {
	s.Subscribe(func(e Event) {
		if e.Type == EventStatsError {
			fn(e.Workload, e.Err)
		}
	})
}

// OnBatchError registers a launch/runtime error listener
// OnBatchError 注册启动或运行错误监听器
func (s *Supervisor) OnBatchError(fn func(Snapshot, error)) {
	s.Subscribe(func(e Event) {
		if e.Type == EventBatchError {
			fn(e.Workload, e.Err)
		}
	})
}

// OnEnd registers an exit listener
// OnEnd 注册退出监听器
func (s *Supervisor) OnEnd(fn func(Snapshot)) {
	s.Subscribe(func(e Event) {
		if e.Type == EventEnd {
			fn(e.Workload)
		}
	})
}

// emit delivers e to every handler, a panicking handler does not stop the others
// emit 将 e 投递给所有处理器，某个处理器 panic 不影响其他处理器
func (s *Supervisor) emit(e Event) {
	s.handlersMu.RLock()
	handlers := make([]EventHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		s.callHandler(h, e)
	}
}

func (s *Supervisor) callHandler(h EventHandler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event handler panicked / 事件处理器发生 panic",
				zap.String("event", string(e.Type)),
				zap.Int("pid", e.Workload.PID),
				zap.Any("panic", r))
		}
	}()
	h(e)
}
