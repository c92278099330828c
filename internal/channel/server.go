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
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReceivedEvent is one frame an agent sent to the server
// ReceivedEvent 是 Agent 发送给服务器的一帧
type ReceivedEvent struct {
	AgentType string
	AgentID   string
	Channel   string
	Data      []byte
}

// Decode unmarshals the frame data into an OutboundEvent
// Decode 将帧数据解析为 OutboundEvent
func (e ReceivedEvent) Decode() (OutboundEvent, error) {
	var out OutboundEvent
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return OutboundEvent{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return out, nil
}

// AgentInfo describes a connected agent
// AgentInfo 描述一个已连接的 Agent
type AgentInfo struct {
	AgentType   string
	AgentID     string
	Peer        string
	ConnectedAt time.Time
}

// agentStream is the server side of one agent's Connect stream
// agentStream 是某个 Agent 的 Connect 流在服务器端的表示
type agentStream struct {
	info   AgentInfo
	sendCh chan *structpb.Struct
	cancel context.CancelFunc
}

// Server is a minimal coordinator speaking the control channel protocol
// Server 是实现控制通道协议的最小协调器
type Server struct {
	configChannel string
	logger        *zap.Logger

	grpcServer *grpc.Server

	mu     sync.RWMutex
	agents map[string]*agentStream

	events chan ReceivedEvent
}

// NewServer creates a server that pushes configuration on configChannel
// NewServer 创建在 configChannel 上推送配置的服务器
func NewServer(configChannel string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		configChannel: configChannel,
		logger:        logger.Named("coordinator"),
		agents:        make(map[string]*agentStream),
		events:        make(chan ReceivedEvent, 1024),
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(
			s.loggingStreamInterceptor,
			s.recoveryStreamInterceptor,
		),
	)
	s.grpcServer.RegisterService(&ControlChannelServiceDesc, s)
	return s
}

// Serve accepts agents on lis until Stop is called
// Serve 在 lis 上接受 Agent 连接直到调用 Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Coordinator server starting / 协调器服务器启动", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Stop terminates every stream and the server
// Stop 终止所有流与服务器
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// Events returns received frames, the channel is never closed
// Events 返回收到的帧，该通道不会被关闭
func (s *Server) Events() <-chan ReceivedEvent {
	return s.events
}

// Agents lists connected agents ordered by id
// Agents 列出按 ID 排序的已连接 Agent
func (s *Server) Agents() []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Push sends a configuration push to a connected agent
// Push 向已连接的 Agent 发送配置推送
func (s *Server) Push(ctx context.Context, agentID string, push ConfigPush) error {
	s.mu.RLock()
	a, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
	}

	data, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("failed to marshal push: %w", err)
	}
	frame, err := encodeFrame(s.configChannel, data)
	if err != nil {
		return err
	}

	select {
	case a.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect drops the stream of an agent, the agent is expected to reconnect
// Disconnect 断开某个 Agent 的流，Agent 应当自行重连
func (s *Server) Disconnect(agentID string) bool {
	s.mu.RLock()
	a, ok := s.agents[agentID]
	s.mu.RUnlock()
	if ok {
		a.cancel()
	}
	return ok
}

// Connect implements ControlChannelServer
// Connect 实现 ControlChannelServer 接口
func (s *Server) Connect(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	info := AgentInfo{
		AgentType:   firstValue(md, MetadataAgentType),
		AgentID:     firstValue(md, MetadataAgentID),
		ConnectedAt: time.Now(),
	}
	if info.AgentID == "" || info.AgentType == "" {
		return status.Error(codes.InvalidArgument, "agent-type and agent-id metadata are required")
	}
	if p, ok := peer.FromContext(stream.Context()); ok {
		info.Peer = p.Addr.String()
	}

	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	a := &agentStream{info: info, sendCh: make(chan *structpb.Struct, 16), cancel: cancel}
	s.register(a)
	defer s.unregister(a)

	s.logger.Info("Agent connected / Agent 已连接",
		zap.String("agent_type", info.AgentType),
		zap.String("agent_id", info.AgentID),
		zap.String("peer", info.Peer))

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.receive(ctx, stream, info)
	}()

	for {
		select {
		case <-ctx.Done():
			return status.Error(codes.Canceled, "stream closed by coordinator")
		case err := <-recvErr:
			return err
		case frame := <-a.sendCh:
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		}
	}
}

func (s *Server) receive(ctx context.Context, stream grpc.ServerStream, info AgentInfo) error {
	for {
		frame := new(structpb.Struct)
		if err := stream.RecvMsg(frame); err != nil {
			return err
		}
		ch, data, err := decodeFrame(frame)
		if err != nil {
			s.logger.Warn("Malformed frame from agent / Agent 发送了格式错误的帧",
				zap.String("agent_id", info.AgentID), zap.Error(err))
			continue
		}
		select {
		case s.events <- ReceivedEvent{AgentType: info.AgentType, AgentID: info.AgentID, Channel: ch, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) register(a *agentStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.agents[a.info.AgentID]; ok {
		prev.cancel()
	}
	s.agents[a.info.AgentID] = a
}

func (s *Server) unregister(a *agentStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[a.info.AgentID] == a {
		delete(s.agents, a.info.AgentID)
	}
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// loggingStreamInterceptor logs stream RPC calls.
// loggingStreamInterceptor 记录流式 RPC 调用。
func (s *Server) loggingStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()

	// Get peer info
	// 获取对端信息
	peerAddr := "unknown"
	if p, ok := peer.FromContext(ss.Context()); ok {
		peerAddr = p.Addr.String()
	}

	err := handler(srv, ss)

	duration := time.Since(start)
	if err != nil {
		s.logger.Debug("gRPC stream ended with error",
			zap.String("method", info.FullMethod),
			zap.String("peer", peerAddr),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		s.logger.Debug("gRPC stream ended",
			zap.String("method", info.FullMethod),
			zap.String("peer", peerAddr),
			zap.Duration("duration", duration),
		)
	}
	return err
}

// recoveryStreamInterceptor recovers from panics in stream handlers.
// recoveryStreamInterceptor 从流式处理器的 panic 中恢复。
func (s *Server) recoveryStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gRPC stream handler panic",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
			)
			err = status.Errorf(codes.Internal, "internal server error")
		}
	}()

	return handler(srv, ss)
}
