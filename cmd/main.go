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

// Package main is the entry point for the batch dispatcher agent.
// main 包是批处理调度 Agent 的入口点。
//
// The agent is deployed on a worker node and:
// Agent 部署在工作节点上，负责：
// - Launches batch workloads on demand / 按需拉起批处理工作负载
// - Reports workload lifecycle and stats to the coordinator / 向协调器上报工作负载生命周期与统计
// - Applies database configuration pushed by the coordinator / 应用协调器推送的数据库配置
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/seatunnel/batch-dispatcher/internal/config"
	"github.com/seatunnel/batch-dispatcher/internal/dispatcher"
	"github.com/seatunnel/batch-dispatcher/internal/logger"
	"github.com/seatunnel/batch-dispatcher/internal/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// newRootCmd builds the CLI, configFile is bound to --config
// newRootCmd 构建命令行，configFile 绑定到 --config
func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "batch-dispatcher",
		Short: "Batch dispatcher agent - launches and supervises batch workloads",
		Long: `Batch dispatcher is an agent deployed on worker nodes.
批处理调度器是部署在工作节点上的 Agent。

It connects to a coordinator (gRPC or NATS) to:
它连接到协调器（gRPC 或 NATS），用于：
- Receive the database configuration for workloads / 接收工作负载使用的数据库配置
- Report start, stats, errors and end of every workload / 上报每个工作负载的启动、统计、错误与结束
Without a coordinator it runs unattached and serves the local API only.
没有协调器时以非附着模式运行，只提供本地 API。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runDispatcher(cmd.Context(), cfg)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: "+config.DefaultConfigPath+")")

	// Add subcommands
	// 添加子命令
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration / 打印生效的配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	})
	return rootCmd
}

// newVersionCmd shows version information
// newVersionCmd 显示版本信息
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information / 打印版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Batch Dispatcher\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig loads and validates the configuration
// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// printConfig writes cfg as YAML that loads back into the same config
// printConfig 以 YAML 格式输出 cfg，输出可重新加载为相同配置
func printConfig(w io.Writer, cfg *config.Config) error {
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}

	parsed, err := config.LoadFromYAML(data)
	if err != nil {
		return fmt.Errorf("failed to reload printed config: %w", err)
	}
	if !cfg.Equal(parsed) {
		return errors.New("printed config does not load back to the effective config")
	}

	_, err = w.Write(data)
	return err
}

// runDispatcher builds the ambient stack and runs the dispatcher until it stops
// runDispatcher 构建日志与追踪等基础设施并运行调度器直到其停止
func runDispatcher(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Step 1: Logger / 步骤 1：日志
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Batch dispatcher starting / 批处理调度器正在启动",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.Stringer("config", cfg))

	// Step 2: Tracing and gin mode / 步骤 2：追踪与 gin 模式
	provider := tracing.Init(ctx, cfg.Telemetry, log)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Step 3: Dispatcher / 步骤 3：调度器
	d, err := dispatcher.New(cfg, log, dispatcher.WithTracing(provider))
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	return d.Run(ctx)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
