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

// Package tracing wires OpenTelemetry spans around executed commands.
// tracing 包为执行的命令接入 OpenTelemetry span。
package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linktools/linkexec/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const tracerName = "github.com/linktools/linkexec"

var (
	mu            sync.RWMutex
	tracer        trace.Tracer = noop.NewTracerProvider().Tracer("noop")
	shutdownFuncs []func(context.Context) error
	enabled       bool
)

// Init initializes tracing from the telemetry configuration.
// Init 根据遥测配置初始化追踪。
// A disabled configuration, or an exporter that cannot be built, leaves a noop tracer in place.
// 配置未启用或导出器创建失败时使用空操作追踪器。
func Init(ctx context.Context, cfg config.TelemetryConfig, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}

	mu.Lock()
	defer mu.Unlock()

	if !cfg.Enabled {
		log.Debug("OpenTelemetry tracing is disabled")
		tracer = noop.NewTracerProvider().Tracer("noop")
		enabled = false
		return
	}

	otel.SetTextMapPropagator(newPropagator())

	provider, err := newTracerProvider(ctx, cfg)
	if err != nil {
		log.Warn("Failed to init trace provider, using noop tracer", zap.Error(err))
		tracer = noop.NewTracerProvider().Tracer("noop")
		enabled = false
		return
	}

	shutdownFuncs = append(shutdownFuncs, provider.Shutdown)
	otel.SetTracerProvider(provider)

	tracer = provider.Tracer(tracerName)
	enabled = true
	log.Info("OpenTelemetry tracing initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName),
	)
}

// IsEnabled returns whether tracing is enabled.
// IsEnabled 返回追踪是否已启用。
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Shutdown flushes and stops every provider created by Init.
// Shutdown 刷新并关闭 Init 创建的所有提供者。
func Shutdown(ctx context.Context) error {
	mu.Lock()
	funcs := shutdownFuncs
	shutdownFuncs = nil
	tracer = noop.NewTracerProvider().Tracer("noop")
	enabled = false
	mu.Unlock()

	var firstErr error
	for _, fn := range funcs {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a span with the current tracer, a noop span when tracing is disabled.
// Start 使用当前追踪器创建 span；追踪未启用时返回空操作 span。
func Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	return t.Start(ctx, name, opts...)
}

// CommandAttributes describes one command execution on a span.
// CommandAttributes 在 span 上描述一次命令执行。
func CommandAttributes(id, mode, cmdline string, pid int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("linkexec.id", id),
		attribute.String("linkexec.mode", mode),
		attribute.String("linkexec.cmdline", cmdline),
		attribute.Int("linkexec.pid", pid),
	}
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// exporterOptions builds the OTLP/gRPC exporter options
// exporterOptions 构建 OTLP/gRPC 导出器选项
func exporterOptions(cfg config.TelemetryConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig) (*sdktrace.TracerProvider, error) {
	opts := exporterOptions(cfg)

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	), nil
}
