// Copyright 2026 Cairn Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config 提供 Agent Orchestration Core 的配置管理功能。

# 概述

config 包负责编排核心配置的完整生命周期管理，包括多源加载与
运行时热重载。配置按 "默认值 -> YAML 文件 -> 环境变量" 的
优先级合并。

# 核心结构

  - Config: 顶层配置聚合，涵盖 Paths（project_root/cairn_home）、
    Concurrency（并发上限）、Limits（单 agent/graph 资源上限）、
    CodeProvider、Server、Log、Telemetry
  - Loader: 配置加载器，支持 Builder 模式链式设置
    文件路径、环境变量前缀与自定义验证器
  - HotReloadManager: 热重载管理器，支持文件监听、
    局部字段更新、变更回调与变更历史
  - FileWatcher: 文件变更监听器，基于轮询 + 去抖机制
    触发配置重载

# 主要能力

  - 多源加载: YAML 文件、环境变量（CAIRN_ 前缀）、默认值
  - 热重载: 文件监听自动重载，支持字段级更新（白名单见
    GetHotReloadableFields）
  - 变更审计: 环形缓冲历史记录、敏感字段脱敏（SanitizedConfig）
  - 配置验证: 内置基础校验 + 自定义 ValidateFunc 钩子

# 使用示例

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("CAIRN").
		Load()
*/
package config
