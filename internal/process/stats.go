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
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/procfs"
)

// clockTicks is USER_HZ as exposed by /proc on every supported kernel
// clockTicks 是 /proc 使用的 USER_HZ
const clockTicks = 100

// Sampler takes one resource-usage sample of a process.
// prev is the previous sample of the same workload, or nil.
// Sampler 对进程做一次资源使用采样，prev 是同一工作负载的上次采样或 nil。
type Sampler interface {
	Sample(pid int, prev *Stats) (*Stats, error)
}

// DefaultSampler returns the sampler for the running OS
// DefaultSampler 返回当前操作系统对应的采样器
func DefaultSampler() Sampler {
	if runtime.GOOS == "linux" {
		return NewProcSampler(procfs.DefaultMountPoint)
	}
	return unsupportedSampler{}
}

type unsupportedSampler struct{}

func (unsupportedSampler) Sample(pid int, _ *Stats) (*Stats, error) {
	return nil, fmt.Errorf("%w: pid %d on %s", ErrStatsUnsupported, pid, runtime.GOOS)
}

// ProcSampler reads process statistics from a procfs mount
// ProcSampler 从 procfs 挂载点读取进程统计
type ProcSampler struct {
	root     string
	pageSize int64
	now      func() time.Time
}

// NewProcSampler creates a sampler rooted at root (normally /proc)
// NewProcSampler 创建以 root 为根的采样器（通常为 /proc）
func NewProcSampler(root string) *ProcSampler {
	return &ProcSampler{
		root:     root,
		pageSize: int64(os.Getpagesize()),
		now:      time.Now,
	}
}

// Sample implements Sampler
// Sample 实现 Sampler 接口
func (p *ProcSampler) Sample(pid int, prev *Stats) (*Stats, error) {
	now := p.now()

	fs, err := procfs.NewFS(p.root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs %s: %w", p.root, err)
	}

	// Step 1: Read /proc/[pid]/stat for CPU, memory and parent info
	// 步骤 1：读取 /proc/[pid]/stat 获取 CPU、内存与父进程信息
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to read stat for pid %d: %w", pid, err)
	}

	// Step 2: Start time is relative to boot, see btime in /proc/stat
	// 步骤 2：启动时间相对于开机时间，见 /proc/stat 中的 btime
	startedAt, err := stat.StartTime()
	if err != nil {
		return nil, fmt.Errorf("failed to read start time for pid %d: %w", pid, err)
	}

	elapsed := now.UnixMilli() - int64(startedAt*1000)
	if elapsed < 0 {
		elapsed = 0
	}

	stats := &Stats{
		Memory:    int64(stat.RSS) * p.pageSize,
		CTime:     int64(stat.UTime+stat.STime) * 1000 / clockTicks,
		Elapsed:   elapsed,
		Timestamp: now.UnixMilli(),
		PID:       pid,
		PPID:      stat.PPID,
	}
	stats.CPU = cpuPercent(stats, prev)
	return stats, nil
}

// cpuPercent uses the delta against prev when it belongs to the same process,
// otherwise the lifetime average.
// cpuPercent 在 prev 属于同一进程时使用增量计算，否则使用生命周期平均值。
func cpuPercent(cur, prev *Stats) float64 {
	if prev != nil && prev.PID == cur.PID && cur.Timestamp > prev.Timestamp && cur.CTime >= prev.CTime {
		return float64(cur.CTime-prev.CTime) / float64(cur.Timestamp-prev.Timestamp) * 100
	}
	if cur.Elapsed > 0 {
		return float64(cur.CTime) / float64(cur.Elapsed) * 100
	}
	return 0
}
