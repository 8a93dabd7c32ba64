// 版权所有 2024 MemFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供共享 Redis 连接的生命周期管理。

# 概述

本包封装 go-redis 客户端，为嵌入缓存的外部层提供统一的连接入口。
Manager 负责连接生命周期管理，包括初始化、健康检查与优雅关闭。

# 核心类型

  - Manager：连接管理器，持有 Redis 客户端与连接池配置，
    通过 Client 方法向上层暴露底层客户端。
  - Config：连接配置，包含地址、密码、连接池大小与健康检查间隔等参数。

# 主要能力

  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层 Redis 连接。
*/
package cache
