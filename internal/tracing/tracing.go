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

// Package tracing sets up OpenTelemetry tracing for the dispatcher.
// tracing 包为调度器初始化 OpenTelemetry 追踪。
package tracing

import (
	"context"
	"fmt"

	"github.com/seatunnel/batch-dispatcher/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// instrumentationName names the tracer of this module
// instrumentationName 是本模块追踪器的名称
const instrumentationName = "github.com/seatunnel/batch-dispatcher"

// Provider owns the tracer and the shutdown of its exporter
// Provider 持有追踪器及其导出器的关闭逻辑
type Provider struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
	enabled  bool
}

// Init initializes tracing from cfg. When telemetry is disabled or the exporter
// cannot be created a noop tracer is used and the error is only logged.
// Init 根据 cfg 初始化追踪，遥测被禁用或导出器创建失败时使用空操作追踪器，错误只记录日志。
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !cfg.Enabled {
		logger.Debug("OpenTelemetry tracing is disabled / OpenTelemetry 追踪已禁用")
		return Noop()
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		logger.Warn("Failed to init trace exporter, using noop tracer / 初始化追踪导出器失败，使用空操作追踪器", zap.Error(err))
		return Noop()
	}

	p, err := newProvider(ctx, cfg.ServiceName, exporter)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		logger.Warn("Failed to init trace provider, using noop tracer / 初始化追踪提供者失败，使用空操作追踪器", zap.Error(err))
		return Noop()
	}

	logger.Info("OpenTelemetry tracing initialized / OpenTelemetry 追踪已初始化",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service_name", cfg.ServiceName))
	return p
}

// Noop returns a provider that records nothing
// Noop 返回不记录任何内容的提供者
func Noop() *Provider {
	return &Provider{
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		shutdown: func(context.Context) error { return nil },
	}
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// newProvider installs a batching tracer provider for exporter as the global provider
// newProvider 为 exporter 安装批量追踪提供者并设为全局提供者
func newProvider(ctx context.Context, serviceName string, exporter sdktrace.SpanExporter) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("application", "batch-dispatcher"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tracer:   tp.Tracer(instrumentationName),
		shutdown: tp.Shutdown,
		enabled:  true,
	}, nil
}

// Enabled reports whether spans are exported
// Enabled 返回是否导出 span
func (p *Provider) Enabled() bool {
	return p.enabled
}

// Start starts a span
// Start 开始一个 span
func (p *Provider) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes pending spans and stops the exporter
// Shutdown 刷新待导出的 span 并停止导出器
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
