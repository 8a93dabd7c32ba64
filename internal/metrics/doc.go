// 版权所有 2024 MemFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、嵌入缓存、记忆操作、维护任务与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。同时实现嵌入缓存与
    维护调度器的指标上报接口。

# 主要能力

  - HTTP 指标：请求总数与请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 嵌入指标：缓存命中/未命中计数（按 tier 分组）、嵌入调用耗时。
  - 记忆指标：操作计数（按 operation/status 分组）、向量操作耗时。
  - 维护指标：任务处理量、任务耗时、向量补偿预算耗尽计数。
  - 数据库指标：活跃/空闲连接数 Gauge，按 database 分组。
*/
package metrics
