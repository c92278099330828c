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
	"encoding/json"
	"fmt"

	"github.com/seatunnel/batch-dispatcher/internal/process"
	"github.com/seatunnel/batch-dispatcher/internal/remote"
)

// MessageType is the payload discriminator of an outbound event
// MessageType 是出站事件载荷的类型标识
type MessageType string

const (
	MessageStart      MessageType = "start"
	MessageStats      MessageType = "stats"
	MessageStatsError MessageType = "stats_error"
	MessageBatchError MessageType = "batch_error"
	MessageEnd        MessageType = "end"
)

// MessageTypeFor maps a supervisor event onto its message type
// MessageTypeFor 将监管器事件映射为消息类型
func MessageTypeFor(t process.EventType) (MessageType, error) {
	switch t {
	case process.EventStart:
		return MessageStart, nil
	case process.EventStats:
		return MessageStats, nil
	case process.EventStatsError:
		return MessageStatsError, nil
	case process.EventBatchError:
		return MessageBatchError, nil
	case process.EventEnd:
		return MessageEnd, nil
	default:
		return "", fmt.Errorf("unknown event type %q", t)
	}
}

// ErrorPayload carries an error explicitly, Go errors have no JSON form
// ErrorPayload 显式携带错误信息
type ErrorPayload struct {
	Message string `json:"message"`
}

// Payload is the body of an outbound event
// Payload 是出站事件的主体
type Payload struct {
	MessageType MessageType      `json:"messageType"`
	Workload    process.Snapshot `json:"workload"`
	Error       *ErrorPayload    `json:"error,omitempty"`
}

// OutboundEvent is one message sent to the coordinator
// OutboundEvent 是发送给协调器的一条消息
type OutboundEvent struct {
	AgentType string  `json:"agentType"`
	AgentID   string  `json:"agentId"`
	Payload   Payload `json:"payload"`
}

// NewOutboundEvent builds the wire message for a supervisor event
// NewOutboundEvent 为监管器事件构建线上消息
func NewOutboundEvent(id Identity, e process.Event) (OutboundEvent, error) {
	msgType, err := MessageTypeFor(e.Type)
	if err != nil {
		return OutboundEvent{}, err
	}

	out := OutboundEvent{
		AgentType: id.AgentType,
		AgentID:   id.AgentID,
		Payload: Payload{
			MessageType: msgType,
			Workload:    e.Workload,
		},
	}
	if e.Err != nil {
		out.Payload.Error = &ErrorPayload{Message: e.Err.Error()}
	}
	return out, nil
}

// ConfigPush is the configuration the coordinator pushes
// ConfigPush 是协调器推送的配置
type ConfigPush = remote.Config

// DecodeConfigPush parses a push frame
// DecodeConfigPush 解析推送帧
func DecodeConfigPush(data []byte) (ConfigPush, error) {
	var push ConfigPush
	if err := json.Unmarshal(data, &push); err != nil {
		return ConfigPush{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return push, nil
}
