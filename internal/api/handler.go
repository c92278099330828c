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

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/seatunnel/batch-dispatcher/internal/process"
	"go.uber.org/zap"
)

// RunResponse is the body of GET /dispatcher/run
// RunResponse 是 GET /dispatcher/run 的响应体
type RunResponse struct {
	ErrorMsg string            `json:"error_msg"`
	Data     *process.Snapshot `json:"data"`
}

// StatsResponse is the body of GET /dispatcher/stats/{pid}
// StatsResponse 是 GET /dispatcher/stats/{pid} 的响应体
type StatsResponse struct {
	ErrorMsg string         `json:"error_msg"`
	Data     *process.Stats `json:"data"`
}

// run launches a workload
// run 启动一个工作负载
// @Summary Launch a workload
// @Tags dispatcher
// @Produce json
// @Success 200 {object} RunResponse
// @Router /dispatcher/run [get]
func (s *Server) run(c *gin.Context) {
	snap := s.backend.Launch()
	c.JSON(http.StatusOK, RunResponse{Data: snap})
}

// stats samples a workload, unknown or exited workloads yield no data
// stats 对工作负载采样，未知或已退出的工作负载不返回数据
// @Summary Sample a workload
// @Tags dispatcher
// @Param pid path int true "workload pid"
// @Produce json
// @Success 200 {object} StatsResponse
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /dispatcher/stats/{pid} [get]
func (s *Server) stats(c *gin.Context) {
	pid, ok := parsePID(c)
	if !ok {
		return
	}

	stats, err := s.backend.QueryStats(c.Request.Context(), pid)
	switch {
	case errors.Is(err, process.ErrWorkloadNotFound):
		c.JSON(http.StatusOK, Response{Data: nil})
	case err != nil:
		s.logger.Warn("Failed to sample workload / 工作负载采样失败", zap.Int("pid", pid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{ErrorMsg: err.Error()})
	default:
		c.JSON(http.StatusOK, StatsResponse{Data: stats})
	}
}

// kill terminates a workload and responds once it is gone
// kill 终止工作负载并在其结束后响应
// @Summary Kill a workload
// @Tags dispatcher
// @Param pid path int true "workload pid"
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Router /dispatcher/kill/{pid} [get]
func (s *Server) kill(c *gin.Context) {
	pid, ok := parsePID(c)
	if !ok {
		return
	}

	if err := s.backend.Kill(c.Request.Context(), pid); err != nil {
		c.JSON(http.StatusInternalServerError, Response{ErrorMsg: err.Error()})
		return
	}
	c.JSON(http.StatusOK, Response{Data: nil})
}

// health reports the dispatcher state
// health 报告调度器状态
// @Summary Dispatcher state
// @Tags health
// @Produce json
// @Success 200 {object} Health
// @Router /health [get]
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Health())
}

func parsePID(c *gin.Context) (int, bool) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		c.JSON(http.StatusBadRequest, Response{ErrorMsg: "invalid pid: " + c.Param("pid")})
		return 0, false
	}
	return pid, true
}
