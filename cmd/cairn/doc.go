// Copyright (c) Cairn Authors.
// Licensed under the MIT License.

/*
Package main 提供 cairn 的可执行入口：Orchestrator 命令 ABI 的瘦 CLI 适配层。

# 概述

cmd/cairn 是 Agent Orchestration Core 的可执行入口，提供 up（启动
orchestrator + dispatcher）、queue/spawn（提交任务）、list-agents/status
（查询）、accept/reject（结束审阅）等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集（cairn_active_agents、
cairn_queue_depth、cairn_workspace_cache_size、
cairn_lifecycle_transitions_total）。

# 核心类型

  - Middleware      — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter  — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：up、queue、spawn、list-agents、status、accept、reject、
    version、help
  - 中间件链（仅用于 up 的 metrics 端口）：Recovery、RequestID、
    SecurityHeaders、RequestLogger
  - Metrics 端口：/metrics（Prometheus）、/healthz
  - 优雅关闭：信号监听 → 停止 metrics 采样 → 关闭 metrics HTTP →
    Orchestrator.Shutdown(grace)
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
