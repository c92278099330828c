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
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC service definition of the control channel.
// Frames are google.protobuf.Struct values {channel, data} so the default
// proto codec carries them without generated code.
// 控制通道的 gRPC 服务定义，帧为 google.protobuf.Struct {channel, data}，默认 proto 编解码器即可传输。
const (
	ServiceName   = "dispatcher.v1.ControlChannel"
	ConnectMethod = "/" + ServiceName + "/Connect"

	MetadataAgentType = "agent-type"
	MetadataAgentID   = "agent-id"

	frameChannelKey = "channel"
	frameDataKey    = "data"
)

// ControlChannelServer is implemented by coordinators
// ControlChannelServer 由协调器实现
type ControlChannelServer interface {
	Connect(stream grpc.ServerStream) error
}

var connectStreamDesc = grpc.StreamDesc{
	StreamName:    "Connect",
	ServerStreams: true,
	ClientStreams: true,
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ControlChannelServer).Connect(stream)
}

// ControlChannelServiceDesc registers a ControlChannelServer on a grpc.Server
// ControlChannelServiceDesc 用于在 grpc.Server 上注册 ControlChannelServer
var ControlChannelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlChannelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    connectStreamDesc.StreamName,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "dispatcher/v1/control_channel.proto",
}

// encodeFrame wraps a JSON text frame for channel
// encodeFrame 为 channel 封装 JSON 文本帧
func encodeFrame(channel string, data []byte) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		frameChannelKey: channel,
		frameDataKey:    string(data),
	})
}

// decodeFrame unwraps a frame
// decodeFrame 解包帧
func decodeFrame(frame *structpb.Struct) (string, []byte, error) {
	fields := frame.GetFields()
	ch, ok := fields[frameChannelKey]
	if !ok {
		return "", nil, fmt.Errorf("%w: missing %q", ErrMalformedFrame, frameChannelKey)
	}
	data, ok := fields[frameDataKey]
	if !ok {
		return "", nil, fmt.Errorf("%w: missing %q", ErrMalformedFrame, frameDataKey)
	}
	return ch.GetStringValue(), []byte(data.GetStringValue()), nil
}
