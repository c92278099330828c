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

// Package api provides the local HTTP control surface of the dispatcher.
// api 包提供调度器的本地 HTTP 控制接口。
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/seatunnel/batch-dispatcher/internal/api/docs"
	"github.com/seatunnel/batch-dispatcher/internal/config"
	"github.com/seatunnel/batch-dispatcher/internal/process"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Common errors for the local surface
// 本地接口的常见错误
var (
	// ErrAlreadyRunning indicates Start was called twice
	// ErrAlreadyRunning 表示 Start 被重复调用
	ErrAlreadyRunning = errors.New("api server already running")

	// ErrServerClosed indicates Start after Shutdown
	// ErrServerClosed 表示在 Shutdown 之后调用 Start
	ErrServerClosed = errors.New("api server closed")
)

// Backend is what the local surface controls
// Backend 是本地接口所控制的对象
type Backend interface {
	// Launch spawns the configured workload / Launch 启动配置的工作负载
	Launch() *process.Snapshot

	// QueryStats samples a live workload / QueryStats 对存活工作负载采样
	QueryStats(ctx context.Context, id int) (*process.Stats, error)

	// Kill terminates a workload and waits for it / Kill 终止工作负载并等待其结束
	Kill(ctx context.Context, id int) error

	// Health reports the dispatcher state / Health 报告调度器状态
	Health() Health
}

// Health is the body of GET /health
// Health 是 GET /health 的响应体
type Health struct {
	Status        string `json:"status"`
	Mode          string `json:"mode"`
	Connection    string `json:"connection,omitempty"`
	AgentID       string `json:"agentId"`
	LiveWorkloads int    `json:"liveWorkloads"`
	ConfigVersion uint64 `json:"configVersion"`
}

// Response is the envelope of every dispatcher route
// Response 是所有调度器路由的响应封装
type Response struct {
	ErrorMsg string      `json:"error_msg"`
	Data     interface{} `json:"data"`
}

// Server serves the local control surface
// Server 提供本地控制接口服务
type Server struct {
	cfg     config.APIConfig
	backend Backend
	logger  *zap.Logger
	engine  *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	closed   bool
	serveErr chan error
}

// NewServer creates the router. metrics may be nil to disable /metrics.
// NewServer 创建路由，metrics 为 nil 时不提供 /metrics。
func NewServer(cfg config.APIConfig, backend Backend, metrics http.Handler, serviceName string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger.Named("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName), loggerMiddleware(s.logger))

	r.GET("/health", s.health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	// Swagger
	r.GET("/api/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	dispatcherRouter := r.Group("/dispatcher")
	{
		// GET /dispatcher/run - 启动工作负载
		// GET /dispatcher/run - Launch a workload
		dispatcherRouter.GET("/run", s.run)

		// GET /dispatcher/stats/:pid - 获取工作负载资源使用
		// GET /dispatcher/stats/:pid - Sample a workload
		dispatcherRouter.GET("/stats/:pid", s.stats)

		// GET /dispatcher/kill/:pid - 终止工作负载
		// GET /dispatcher/kill/:pid - Kill a workload
		dispatcherRouter.GET("/kill/:pid", s.kill)
	}

	s.engine = r
	return s
}

// Handler returns the router
// Handler 返回路由
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background
// Start 监听配置的地址并在后台提供服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.srv != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}

	s.listener = ln
	s.serveErr = make(chan error, 1)
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv, serveErr := s.srv, s.serveErr
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	s.logger.Info("Server running / 服务器已启动", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, empty before Start
// Addr 返回绑定的地址，Start 之前为空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones within ctx.
// It is safe to call more than once and before Start.
// Shutdown 停止接收请求并在 ctx 期限内等待进行中的请求，可重复调用，也可在 Start 之前调用。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv, serveErr := s.srv, s.serveErr
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown api server: %w", err)
	}
	if err := <-serveErr; err != nil {
		return err
	}

	s.logger.Info("Server closed / 服务器已关闭")
	return nil
}

// loggerMiddleware logs each request
// loggerMiddleware 记录每个请求
func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
