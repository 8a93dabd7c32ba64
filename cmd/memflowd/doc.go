// Copyright (c) MemFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 MemFlow 服务端程序入口。

# 概述

cmd/memflowd 是 MemFlow 记忆与嵌入检索服务的可执行入口，提供
HTTP API 服务、健康检查和版本查询等子命令。程序支持 YAML 配置
文件加载、结构化日志（zap）、Prometheus 指标采集与 OpenTelemetry
追踪导出。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）
  - 组件装配：嵌入提供者 → 分层缓存 → 批量调度器 → 向量存储 →
    记忆存储 → 记忆服务 → 维护调度器
  - Redis 降级：外部缓存层不可用时自动退化为单层内存缓存
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 停止维护调度 → 关闭存储连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
