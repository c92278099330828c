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
	"syscall"
)

// notificationKind enumerates what can happen to a workload
// notificationKind 枚举工作负载可能收到的通知
type notificationKind int

const (
	notifyStarted notificationKind = iota
	notifyExited
	notifyFailed
	notifyKill
	notifyKillTimeout
	notifySample
	notifySampleFailed
)

func (k notificationKind) String() string {
	switch k {
	case notifyStarted:
		return "started"
	case notifyExited:
		return "exited"
	case notifyFailed:
		return "failed"
	case notifyKill:
		return "kill"
	case notifyKillTimeout:
		return "kill_timeout"
	case notifySample:
		return "sample"
	case notifySampleFailed:
		return "sample_failed"
	default:
		return "unknown"
	}
}

// notification is one input to the workload state machine
// notification 是工作负载状态机的一次输入
type notification struct {
	kind     notificationKind
	exitCode int
	err      error
	stats    *Stats
}

// effectKind enumerates side effects the owner goroutine must perform
// effectKind 枚举所属 goroutine 需要执行的副作用
type effectKind int

const (
	effectEmit effectKind = iota
	effectSignal
	effectArmKillTimer
	effectRecordExit
	effectRemove
	effectStoreStats
	effectSchedulePoll
)

// effect is one side effect produced by a transition
// effect 是状态迁移产生的一个副作用
type effect struct {
	kind     effectKind
	event    EventType
	err      error
	signal   syscall.Signal
	exitCode int
	stats    *Stats
}

// workloadState is the pure part of a workload's lifecycle
// workloadState 是工作负载生命周期中的纯状态部分
type workloadState struct {
	State         State
	KillRequested bool
	Polling       bool
}

// transition applies n to s and returns the new state and the effects to run, in order.
// Terminal states absorb every notification.
// transition 将 n 作用于 s，返回新状态以及按顺序执行的副作用。终止状态吸收所有通知。
func transition(s workloadState, n notification) (workloadState, []effect) {
	if s.State.Terminal() {
		return s, nil
	}

	switch n.kind {
	case notifyStarted:
		effects := []effect{{kind: effectEmit, event: EventStart}}
		if s.Polling {
			effects = append(effects, effect{kind: effectSchedulePoll})
		}
		return s, effects

	case notifyExited:
		s.State = StateExited
		s.Polling = false
		return s, []effect{
			{kind: effectRecordExit, exitCode: n.exitCode},
			{kind: effectRemove},
			{kind: effectEmit, event: EventEnd},
		}

	case notifyFailed:
		s.State = StateErrored
		s.Polling = false
		return s, []effect{
			{kind: effectRemove},
			{kind: effectEmit, event: EventBatchError, err: n.err},
		}

	case notifyKill:
		if s.KillRequested {
			return s, nil
		}
		s.KillRequested = true
		return s, []effect{
			{kind: effectSignal, signal: syscall.SIGTERM},
			{kind: effectArmKillTimer},
		}

	case notifyKillTimeout:
		if !s.KillRequested {
			return s, nil
		}
		return s, []effect{{kind: effectSignal, signal: syscall.SIGKILL}}

	case notifySample:
		if !s.Polling {
			return s, nil
		}
		return s, []effect{
			{kind: effectStoreStats, stats: n.stats},
			{kind: effectEmit, event: EventStats},
			{kind: effectSchedulePoll},
		}

	case notifySampleFailed:
		if !s.Polling {
			return s, nil
		}
		// Polling stops for good after the first failed sample
		// 首次采样失败后永久停止轮询
		s.Polling = false
		return s, []effect{{kind: effectEmit, event: EventStatsError, err: n.err}}
	}

	return s, nil
}
