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

// Package metrics exposes dispatcher state as Prometheus collectors.
// metrics 包将调度器状态以 Prometheus 指标形式暴露。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batch_dispatcher"

// Metrics holds the collectors of one dispatcher
// Metrics 持有一个调度器的全部指标
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	pushes        prometheus.Counter
	probeFailures prometheus.Counter
	configVersion prometheus.Gauge
}

// New creates the collectors on a private registry
// New 在独立的注册表上创建指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workload_events_total",
			Help:      "Workload lifecycle events emitted, by type.",
		}, []string{"type"}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_pushes_total",
			Help:      "Configuration pushes applied.",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_probe_failures_total",
			Help:      "Pushed database connections that failed the connectivity probe.",
		}),
		configVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_version",
			Help:      "Version of the coordinator configuration in use.",
		}),
	}

	m.registry.MustRegister(
		m.events,
		m.pushes,
		m.probeFailures,
		m.configVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on
// Registry 返回指标所在的注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
// Handler 以 Prometheus 格式输出注册表
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterLiveWorkloads exposes the live workload count read from fn
// RegisterLiveWorkloads 暴露由 fn 读取的存活工作负载数量
func (m *Metrics) RegisterLiveWorkloads(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_workloads",
		Help:      "Workloads currently supervised.",
	}, func() float64 { return float64(fn()) }))
}

// RegisterFrames exposes control channel frame counts read from fn
// RegisterFrames 暴露由 fn 读取的控制通道帧计数
func (m *Metrics) RegisterFrames(fn func() (sent, dropped uint64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames delivered to the coordinator.",
		}, func() float64 {
			sent, _ := fn()
			return float64(sent)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped while the coordinator was unreachable.",
		}, func() float64 {
			_, dropped := fn()
			return float64(dropped)
		}),
	)
}

// ObserveEvent counts one workload event
// ObserveEvent 记录一次工作负载事件
func (m *Metrics) ObserveEvent(eventType string) {
	m.events.WithLabelValues(eventType).Inc()
}

// ObservePush records an applied push and the outcome of its probe
// ObservePush 记录一次已应用的推送及其探测结果
func (m *Metrics) ObservePush(version uint64, probeErr error) {
	m.pushes.Inc()
	m.configVersion.Set(float64(version))
	if probeErr != nil {
		m.probeFailures.Inc()
	}
}
