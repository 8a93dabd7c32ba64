// Copyright (c) MemFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 MemFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 MemFlow 所有 HTTP 端点的请求处理逻辑，
包括记忆创建、批量摄取、语义搜索、上下文组装、关系构建、
健康检查以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解生成 API 文档。

# 核心类型

  - MemoryHandler    — 记忆服务处理器：创建、摄取、搜索、上下文、关系、归档
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
